package gateway

import (
	"context"
	"errors"
	"strings"

	"github.com/sony/gobreaker"
	"github.com/vnmchuo/llm-fanout/internal/provider"
)

// User-safe failure messages. The caller always gets one of these strings,
// never an error value, so a single model's failure stays contained.
const (
	msgTimeout      = "Error: the model timed out. Please try again."
	msgRateLimited  = "Error: the model is receiving too many requests right now. Please retry shortly."
	msgNotFound     = "Error: model not available."
	msgUnauthorized = "Error: the request was not authorized by the model provider."
	msgUnavailable  = "Error: the model is temporarily unavailable. Please retry shortly."
	msgGeneric      = "Error: the model request failed."
)

// classifyError maps an upstream failure to a short, user-safe message by
// message content. Upstream libraries do not expose stable error types for
// HTTP failures, so string matching on the status line is the contract.
func classifyError(err error) string {
	if err == nil {
		return msgGeneric
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return msgTimeout
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return msgUnavailable
	}
	if errors.Is(err, provider.ErrModelUnknown) {
		return msgNotFound
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded") || strings.Contains(msg, "timed out"):
		return msgTimeout
	case strings.Contains(msg, "status 429") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests"):
		return msgRateLimited
	case strings.Contains(msg, "status 404") || strings.Contains(msg, "not found") || strings.Contains(msg, "does not exist"):
		return msgNotFound
	case strings.Contains(msg, "status 401") || strings.Contains(msg, "status 403") || strings.Contains(msg, "unauthorized") || strings.Contains(msg, "permission") || strings.Contains(msg, "api key"):
		return msgUnauthorized
	default:
		return msgGeneric
	}
}

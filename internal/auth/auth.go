// Package auth resolves each request to either a plan-bearing user (via
// bearer API key, cached in Redis) or an anonymous caller identified by
// client IP and, when supplied, a client fingerprint.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/vnmchuo/llm-fanout/internal/quota"
)

var ErrKeyNotFound = errors.New("api key not found")

const (
	fingerprintHeader = "X-Client-Fingerprint"
	cacheTTL          = 5 * time.Minute
)

// User is the resolved owner of an API key.
type User struct {
	ID        string     `json:"id"`
	Plan      quota.Plan `json:"plan"`
	Active    bool       `json:"active"`
	CreatedAt time.Time  `json:"created_at"`
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis
func (u *User) MarshalBinary() ([]byte, error) {
	return json.Marshal(u)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis
func (u *User) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, u)
}

type Store interface {
	GetByKey(ctx context.Context, key string) (*User, error)
	CreateUser(ctx context.Context, user *User) error
	CreateKey(ctx context.Context, userID, keyHash string) error
	RevokeKey(ctx context.Context, keyHash string) error
}

type Middleware func(next http.Handler) http.Handler

type contextKey string

const (
	userKey       contextKey = "user"
	identitiesKey contextKey = "identities"
	requestIDKey  contextKey = "request_id"
)

func hashKey(key string) string {
	h := sha256.New()
	h.Write([]byte(key))
	return hex.EncodeToString(h.Sum(nil))
}

// NewMiddleware attaches identity to every request. A valid bearer key
// yields a user whose single quota identity is "user:<id>". No bearer
// key yields an anonymous caller with one identity per signal: always
// "ip:<addr>", plus "fp:<hash>" when the client sent a fingerprint.
// Only a present-but-invalid key is rejected.
func NewMiddleware(store Store, cache *redis.Client) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			requestID := uuid.New().String()
			ctx = context.WithValue(ctx, requestIDKey, requestID)
			w.Header().Set("X-Request-ID", requestID)

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				ctx = context.WithValue(ctx, identitiesKey, anonymousIdentities(r))
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
			if !strings.HasPrefix(authHeader, "Bearer ") {
				http.Error(w, "Unauthorized: malformed Authorization header", http.StatusUnauthorized)
				return
			}
			key := strings.TrimPrefix(authHeader, "Bearer ")

			redisKey := fmt.Sprintf("auth:%s", hashKey(key))

			var cached User
			err := cache.Get(ctx, redisKey).Scan(&cached)
			if err == nil {
				ctx = withUser(ctx, &cached)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			} else if err != redis.Nil {
				log.Printf("auth: redis error: %v", err)
			}

			user, err := store.GetByKey(ctx, key)
			if err != nil {
				if errors.Is(err, ErrKeyNotFound) {
					http.Error(w, "Unauthorized: invalid API key", http.StatusUnauthorized)
					return
				}
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			_ = cache.Set(ctx, redisKey, user, cacheTTL).Err()

			next.ServeHTTP(w, r.WithContext(withUser(ctx, user)))
		})
	}
}

func withUser(ctx context.Context, user *User) context.Context {
	ctx = context.WithValue(ctx, userKey, user)
	return context.WithValue(ctx, identitiesKey, []string{"user:" + user.ID})
}

func anonymousIdentities(r *http.Request) []string {
	ids := []string{"ip:" + clientIP(r)}
	if fp := r.Header.Get(fingerprintHeader); fp != "" {
		ids = append(ids, "fp:"+hashKey(fp)[:16])
	}
	return ids
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Helpers to extract from context
func GetUser(ctx context.Context) *User {
	if u, ok := ctx.Value(userKey).(*User); ok {
		return u
	}
	return nil
}

// GetIdentities returns the quota identities for this request: one
// "user:" entry for authenticated callers, one or two signal entries
// for anonymous ones.
func GetIdentities(ctx context.Context) []string {
	if ids, ok := ctx.Value(identitiesKey).([]string); ok {
		return ids
	}
	return nil
}

func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// Helpers for testing
func WithUser(ctx context.Context, user *User) context.Context {
	return withUser(ctx, user)
}

func WithIdentities(ctx context.Context, ids []string) context.Context {
	return context.WithValue(ctx, identitiesKey, ids)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

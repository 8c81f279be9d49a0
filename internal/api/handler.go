// Package api exposes the comparison endpoints: admission (burst, daily
// and extended quota), fan-out dispatch, post-hoc usage commit, and the
// SSE surface for streaming comparisons.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vnmchuo/llm-fanout/internal/auth"
	"github.com/vnmchuo/llm-fanout/internal/dispatch"
	"github.com/vnmchuo/llm-fanout/internal/provider"
	"github.com/vnmchuo/llm-fanout/internal/quota"
	"github.com/vnmchuo/llm-fanout/internal/tokens"
	"github.com/vnmchuo/llm-fanout/internal/usage"
	"github.com/vnmchuo/llm-fanout/pkg/ratelimit"
)

type Handler struct {
	dispatcher *dispatch.Dispatcher
	registry   *provider.Registry
	users      *quota.UserLimiter
	anon       *quota.AnonLimiter
	usage      usage.Store
	limiter    *ratelimit.Limiter
	tracer     trace.Tracer
	adminToken string
	mockMode   bool
}

func NewHandler(dispatcher *dispatch.Dispatcher, registry *provider.Registry, users *quota.UserLimiter, anon *quota.AnonLimiter, usageStore usage.Store, limiter *ratelimit.Limiter, tracer trace.Tracer, adminToken string, mockMode bool) *Handler {
	return &Handler{
		dispatcher: dispatcher,
		registry:   registry,
		users:      users,
		anon:       anon,
		usage:      usageStore,
		limiter:    limiter,
		tracer:     tracer,
		adminToken: adminToken,
		mockMode:   mockMode,
	}
}

type compareRequest struct {
	Prompt       string             `json:"prompt"`
	Models       []string           `json:"models"`
	Tier         string             `json:"tier"`
	History      []provider.Message `json:"history"`
	AllowOverage bool               `json:"allow_overage"`
	Mock         bool               `json:"mock"`
}

// admission carries one admitted request from prepare to commit.
type admission struct {
	user            *auth.User
	ids             []string
	plan            quota.Plan
	requestID       string
	tier            quota.ResponseTier
	req             dispatch.Request
	isOverage       bool
	overageAmount   int
	extendedCharged bool
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// prepare runs the whole admission pipeline: identity, body validation,
// burst limit, daily quota, and the optimistic extended-pool charge. On
// a nil return the response has already been written.
func (h *Handler) prepare(w http.ResponseWriter, r *http.Request) *admission {
	ctx := r.Context()

	ids := auth.GetIdentities(ctx)
	if len(ids) == 0 {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return nil
	}

	adm := &admission{
		user:      auth.GetUser(ctx),
		ids:       ids,
		plan:      quota.PlanAnonymous,
		requestID: auth.GetRequestID(ctx),
	}
	if adm.user != nil {
		adm.plan = adm.user.Plan
	}

	var body compareRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return nil
	}
	if body.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return nil
	}
	if len(body.Models) == 0 {
		writeError(w, http.StatusBadRequest, "at least one model is required")
		return nil
	}

	tier := quota.TierStandard
	if body.Tier != "" {
		var err error
		tier, err = quota.ParseResponseTier(body.Tier)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return nil
		}
	}
	adm.tier = tier

	if len(body.Prompt) > tier.InputCharLimit() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("prompt exceeds the %s tier's %d character limit", tier, tier.InputCharLimit()))
		return nil
	}

	limits := adm.plan.Limits()
	if len(body.Models) > limits.ModelCap {
		writeError(w, http.StatusForbidden, fmt.Sprintf("the %s plan allows comparing at most %d models", adm.plan, limits.ModelCap))
		return nil
	}

	history := make([]string, 0, len(body.History)+1)
	for _, m := range body.History {
		history = append(history, m.Content)
	}
	history = append(history, body.Prompt)

	_, span := h.tracer.Start(ctx, "api.compare")
	defer span.End()
	span.SetAttributes(
		attribute.String("request_id", adm.requestID),
		attribute.String("identity", ids[0]),
		attribute.String("plan", string(adm.plan)),
		attribute.String("tier", string(tier)),
		attribute.Int("models", len(body.Models)),
		attribute.Int("tokens.estimated_input", tokens.EstimateMessages(history)),
	)

	needed := len(body.Models)

	allowed, err := h.limiter.Allow(ctx, ids[0], needed)
	if err != nil || !allowed {
		w.Header().Set("Retry-After", "60")
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded, retry in 60s")
		return nil
	}

	var daily *quota.Decision
	if adm.user != nil {
		daily, err = h.users.CheckDaily(ctx, adm.user.ID, adm.plan, needed, body.AllowOverage)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "quota check failed")
			return nil
		}
	} else {
		daily = h.anon.CheckDaily(ids, adm.plan, needed)
	}
	if !daily.Allowed {
		w.Header().Set("Retry-After", "86400")
		writeError(w, http.StatusTooManyRequests, daily.Message)
		return nil
	}
	adm.isOverage = daily.IsOverage
	adm.overageAmount = daily.OverageAmount

	// The extended pool is charged up front, one unit per request no
	// matter how many models fan out. A fully failed dispatch refunds it.
	if tier == quota.TierExtended {
		var ext *quota.Decision
		if adm.user != nil {
			ext, err = h.users.CheckExtended(ctx, adm.user.ID, adm.plan)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "quota check failed")
				return nil
			}
		} else {
			ext = h.anon.CheckExtended(ids, adm.plan)
		}
		if !ext.Allowed {
			w.Header().Set("Retry-After", "86400")
			writeError(w, http.StatusTooManyRequests, ext.Message)
			return nil
		}
		if adm.user != nil {
			if err := h.users.IncrementExtended(ctx, adm.user.ID); err != nil {
				writeError(w, http.StatusInternalServerError, "quota update failed")
				return nil
			}
		} else {
			h.anon.IncrementExtended(ids)
		}
		adm.extendedCharged = true
	}

	adm.req = dispatch.Request{
		Prompt:  body.Prompt,
		Tier:    tier,
		History: body.History,
		Models:  body.Models,
		Mock:    body.Mock || h.mockMode,
	}
	return adm
}

// commit settles quota after the dispatch: daily usage for the calls
// that succeeded, an extended refund when nothing did, and the usage
// record off the request path.
func (h *Handler) commit(adm *admission, summary dispatch.Summary) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if adm.extendedCharged && summary.Succeeded == 0 {
		if adm.user != nil {
			_ = h.users.DecrementExtended(ctx, adm.user.ID)
		} else {
			h.anon.DecrementExtended(adm.ids)
		}
	}

	if summary.Succeeded > 0 {
		if adm.user != nil {
			_ = h.users.CommitDaily(ctx, adm.user.ID, summary.Succeeded)
		} else {
			h.anon.CommitDaily(adm.ids, summary.Succeeded)
		}
	}

	_ = h.usage.LogDispatch(ctx, &usage.Record{
		Identity:        adm.ids[0],
		RequestID:       adm.requestID,
		ModelsUsed:      adm.req.Models,
		ModelsRequested: summary.Requested,
		ModelsSucceeded: summary.Succeeded,
		ModelsFailed:    summary.Failed,
		Tier:            string(adm.tier),
		ElapsedMillis:   summary.ElapsedMillis,
		IsOverage:       adm.isOverage,
		OverageAmount:   adm.overageAmount,
	})
}

// HandleCompare answers POST /v1/compare with the collected results of
// a blocking fan-out.
func (h *Handler) HandleCompare(w http.ResponseWriter, r *http.Request) {
	adm := h.prepare(w, r)
	if adm == nil {
		return
	}

	results, summary := h.dispatcher.RunAll(r.Context(), adm.req)

	go h.commit(adm, summary)

	resp := map[string]any{
		"request_id": adm.requestID,
		"tier":       adm.tier,
		"results":    results,
		"meta":       summary,
	}
	if adm.isOverage {
		resp["overage"] = map[string]any{
			"amount":   adm.overageAmount,
			"cost_usd": 0,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleCompareStream answers POST /v1/compare/stream with an SSE
// stream of interleaved per-model events.
func (h *Handler) HandleCompareStream(w http.ResponseWriter, r *http.Request) {
	adm := h.prepare(w, r)
	if adm == nil {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// If the client disconnects before the complete event, the dispatch
	// is settled as zero successes: nothing committed, extended refunded.
	summary := dispatch.Summary{Requested: len(adm.req.Models)}
	for ev := range h.dispatcher.RunStream(r.Context(), adm.req) {
		if ev.Type == dispatch.EventComplete && ev.Meta != nil {
			summary = *ev.Meta
		}
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
		flusher.Flush()
	}

	go h.commit(adm, summary)
}

// HandleQuota answers GET /v1/quota with the caller's current standing.
func (h *Handler) HandleQuota(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ids := auth.GetIdentities(ctx)
	if len(ids) == 0 {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	user := auth.GetUser(ctx)
	plan := quota.PlanAnonymous
	if user != nil {
		plan = user.Plan
	}

	var daily, ext *quota.Decision
	var err error
	if user != nil {
		daily, err = h.users.CheckDaily(ctx, user.ID, plan, 0, false)
		if err == nil {
			ext, err = h.users.CheckExtended(ctx, user.ID, plan)
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "quota lookup failed")
			return
		}
	} else {
		daily = h.anon.CheckDaily(ids, plan, 0)
		ext = h.anon.CheckExtended(ids, plan)
	}

	limits := plan.Limits()
	writeJSON(w, http.StatusOK, map[string]any{
		"plan": plan,
		"daily": map[string]int{
			"used":      daily.Current,
			"limit":     daily.Limit,
			"remaining": daily.Remaining,
		},
		"extended": map[string]int{
			"used":      ext.Current,
			"limit":     ext.Limit,
			"remaining": ext.Remaining,
		},
		"model_cap":       limits.ModelCap,
		"overage_allowed": limits.OverageAllowed,
	})
}

// HandleUsage answers GET /v1/usage with the caller's dispatch history
// over an optional RFC3339 from/to window (default: last 30 days).
func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ids := auth.GetIdentities(ctx)
	if len(ids) == 0 {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	identity := ids[0]

	now := time.Now()
	from := now.AddDate(0, 0, -30)
	to := now

	if s := r.URL.Query().Get("from"); s != "" {
		var err error
		from, err = time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'from' date format (use RFC3339)")
			return
		}
	}
	if s := r.URL.Query().Get("to"); s != "" {
		var err error
		to, err = time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'to' date format (use RFC3339)")
			return
		}
	}

	records, err := h.usage.GetByIdentity(ctx, identity, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	totals, err := h.usage.GetTotals(ctx, identity, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"identity": identity,
		"totals":   totals,
		"records":  records,
		"from":     from,
		"to":       to,
	})
}

type adminResetRequest struct {
	Identity string `json:"identity"`
	All      bool   `json:"all"`
}

// HandleAdminReset answers POST /admin/quota/reset, clearing anonymous
// counters for one identity or for everyone. Gated by the admin token.
func (h *Handler) HandleAdminReset(w http.ResponseWriter, r *http.Request) {
	if h.adminToken == "" || r.Header.Get("X-Admin-Token") != h.adminToken {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	var body adminResetRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	switch {
	case body.All:
		h.anon.ResetAll()
		writeJSON(w, http.StatusOK, map[string]string{"status": "reset all"})
	case body.Identity != "":
		h.anon.Reset(body.Identity)
		writeJSON(w, http.StatusOK, map[string]string{"status": "reset " + body.Identity})
	default:
		writeError(w, http.StatusBadRequest, "identity or all is required")
	}
}

// HandleModels answers GET /v1/models with the model catalog.
func (h *Handler) HandleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"models": h.registry.Models()})
}

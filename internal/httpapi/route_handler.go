package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"llm_router/internal/classifier"
	"llm_router/internal/engine"
	"llm_router/internal/ledger"
	"llm_router/internal/middleware"
	"llm_router/internal/orchestrator"
	"llm_router/internal/utils"
)

const maxBodyBytes = 1 << 20

type overrideBody struct {
	Mode  string `json:"mode"`
	Model string `json:"model"`
}

type routeRequest struct {
	TenantID   string        `json:"tenant_id"`
	TaskType   string        `json:"task_type"`
	Prompt     string        `json:"prompt"`
	Override   *overrideBody `json:"override,omitempty"`
	MaxTokens  int           `json:"max_tokens"`
	DeadlineMS int64         `json:"deadline_ms"`
}

type attemptBody struct {
	Provider  string `json:"provider"`
	Model     string `json:"model"`
	Reason    string `json:"reason"`
	LatencyMS int64  `json:"latency_ms"`
}

type routeResponse struct {
	RequestID string               `json:"request_id"`
	Status    orchestrator.Status  `json:"status"`
	Reason    string               `json:"reason,omitempty"`
	Provider  string               `json:"provider,omitempty"`
	Model     string               `json:"model,omitempty"`
	Text      string               `json:"text,omitempty"`
	TokensIn  int                  `json:"tokens_in"`
	TokensOut int                  `json:"tokens_out"`
	Cost      float64              `json:"cost"`
	LatencyMS int64                `json:"latency_ms"`
	Bucket    string               `json:"bucket,omitempty"`
	Warnings  []classifier.Warning `json:"warnings,omitempty"`
	Attempts  []attemptBody        `json:"attempts"`
}

// handleRoute is the routing entry point.
//
// Flow:
//  1. Decode JSON body
//  2. Check the token tenant against the body tenant
//  3. Rate limit per tenant
//  4. Classify, reserve, call and settle through the engine
//  5. Map the terminal status to an HTTP status
func (d *Dependencies) handleRoute(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	reqID := uuid.New().String()
	logger := d.logger.With("request_id", reqID)

	var body routeRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&body); err != nil {
		utils.RespondWithReason(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	ctx := r.Context()

	if !middleware.TenantAllowed(ctx, body.TenantID) {
		utils.RespondWithReason(w, http.StatusForbidden, "forbidden", "token is not valid for this tenant")
		return
	}

	if body.TenantID != "" && !d.allow(w, r, body.TenantID) {
		return
	}

	req := engine.Request{
		TenantID:  body.TenantID,
		TaskType:  body.TaskType,
		Prompt:    body.Prompt,
		MaxTokens: body.MaxTokens,
		Deadline:  time.Duration(body.DeadlineMS) * time.Millisecond,
	}
	if body.Override != nil {
		req.OverrideMode = body.Override.Mode
		req.OverrideModel = body.Override.Model
	}

	resp, err := d.Engine.Route(ctx, req)
	if errors.Is(err, engine.ErrInvalidRequest) {
		utils.RespondWithReason(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if resp == nil || resp.Outcome == nil {
		logger.Error("Routing returned no outcome", "error", err)
		utils.RespondWithReason(w, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}

	code := statusCode(resp.Status, err)
	if code >= http.StatusInternalServerError {
		logger.Error("Routing failed", "tenant_id", req.TenantID, "status", resp.Status, "error", err)
	} else if err != nil {
		logger.Info("Routing ended without success", "tenant_id", req.TenantID, "status", resp.Status, "reason", resp.Reason)
	}

	utils.RespondWithJSON(w, code, buildRouteResponse(reqID, resp, time.Since(start)))
}

// allow applies the per-tenant rate limit and writes the 429 itself.
// Limiter failures let the request through.
func (d *Dependencies) allow(w http.ResponseWriter, r *http.Request, tenantID string) bool {
	if d.Limiter == nil || d.RateLimitPerMinute <= 0 {
		return true
	}
	allowed, remaining, resetAt, err := d.Limiter.AllowWithDetails(r.Context(), tenantID, d.RateLimitPerMinute)
	if err != nil {
		d.logger.Warn("Rate limit check failed, allowing request", "tenant_id", tenantID, "error", err)
		return true
	}

	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.RateLimitPerMinute))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !resetAt.IsZero() {
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))
	}
	if !allowed {
		utils.RespondWithReason(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
		return false
	}
	return true
}

func statusCode(status orchestrator.Status, err error) int {
	switch status {
	case orchestrator.StatusSuccess:
		return http.StatusOK
	case orchestrator.StatusBudgetExceeded:
		return http.StatusPaymentRequired
	case orchestrator.StatusAllProvidersExhausted:
		return http.StatusBadGateway
	case orchestrator.StatusCancelled:
		return utils.StatusClientClosedRequest
	}
	if errors.Is(err, ledger.ErrTenantNotFound) {
		return http.StatusNotFound
	}
	return http.StatusServiceUnavailable
}

func buildRouteResponse(reqID string, resp *engine.Response, elapsed time.Duration) routeResponse {
	out := routeResponse{
		RequestID: reqID,
		Status:    resp.Status,
		Reason:    resp.Reason,
		Cost:      resp.Cost,
		LatencyMS: elapsed.Milliseconds(),
		Bucket:    resp.Bucket,
		Warnings:  resp.Warnings,
		Attempts:  make([]attemptBody, 0, len(resp.Attempts)),
	}
	if resp.Status == orchestrator.StatusSuccess {
		out.Provider = resp.Candidate.Provider
		out.Model = resp.Candidate.Model
	}
	if resp.Result != nil {
		out.Text = resp.Result.Text
		out.TokensIn = resp.Result.TokensIn
		out.TokensOut = resp.Result.TokensOut
	}
	for _, a := range resp.Attempts {
		out.Attempts = append(out.Attempts, attemptBody{
			Provider:  a.Candidate.Provider,
			Model:     a.Candidate.Model,
			Reason:    a.Reason,
			LatencyMS: a.Latency.Milliseconds(),
		})
	}
	return out
}

// Package httpapi wires the ingress HTTP surface (C3, C4, C5, C9): issuing
// proof-of-work challenges, admitting presses onto the ordered log, and
// serving the current state and operator introspection endpoints. The
// fan-out bridge's own stream/websocket handlers live in internal/fanout
// and are mounted alongside these by cmd/buttonapi.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	svcerrors "github.com/pulsebutton/backend/infrastructure/errors"
	"github.com/pulsebutton/backend/infrastructure/httputil"
	"github.com/pulsebutton/backend/infrastructure/logging"
	"github.com/pulsebutton/backend/internal/eventlog"
	"github.com/pulsebutton/backend/internal/health"
	"github.com/pulsebutton/backend/internal/pow"
	"github.com/pulsebutton/backend/internal/ratelimit"
	"github.com/pulsebutton/backend/internal/repository"
	"github.com/pulsebutton/backend/internal/state"
)

// StateReader is the read side of the persisted state store, implemented
// by internal/repository.GlobalStateStore.
type StateReader interface {
	Latest(ctx context.Context) (state.GlobalState, error)
}

// Producer appends a press onto the ordered log.
type Producer interface {
	Append(ctx context.Context, payload eventlog.Payload) (string, error)
}

// Handlers bundles everything the ingress routes need. Bypass toggles
// mirror PoWConfig.Bypass / RateLimitConfig.Bypass so local development can
// exercise the press endpoint without solving a challenge or being limited.
type Handlers struct {
	oracle        *pow.Oracle
	limiter       *ratelimit.Limiter
	producer      Producer
	states        StateReader
	collector     *health.Collector
	logger        *logging.Logger
	powBypass     bool
	rateLimBypass bool
	startedAt     time.Time
}

// New builds a Handlers. collector may be nil, in which case the stats
// endpoint reports zeroed process metrics rather than failing the request.
func New(oracle *pow.Oracle, limiter *ratelimit.Limiter, producer Producer, states StateReader, collector *health.Collector, logger *logging.Logger, powBypass, rateLimBypass bool) *Handlers {
	return &Handlers{
		oracle:        oracle,
		limiter:       limiter,
		producer:      producer,
		states:        states,
		collector:     collector,
		logger:        logger,
		powBypass:     powBypass,
		rateLimBypass: rateLimBypass,
		startedAt:     time.Now(),
	}
}

// Challenge issues a fresh proof-of-work challenge, gated by the general
// rate-limit tiers.
func (h *Handlers) Challenge(w http.ResponseWriter, r *http.Request) {
	ip := ratelimit.ClientIP(r)
	if !h.rateLimBypass {
		result := h.limiter.Check(r.Context(), ip, ratelimit.GeneralBurst, ratelimit.GeneralSustained)
		if !result.Allowed {
			h.writeRateLimited(w, r, ip, result)
			return
		}
	}

	challenge, err := h.oracle.Issue()
	if err != nil {
		h.logger.WithError(err).Error("issue proof-of-work challenge")
		httputil.InternalError(w, "could not issue challenge")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, challenge)
}

// pressRequest is the press endpoint's request body: a pow.Solution, flat.
type pressRequest struct {
	ChallengeID string `json:"challenge_id"`
	Difficulty  int    `json:"difficulty"`
	ExpiresAt   int64  `json:"expires_at"`
	Signature   string `json:"signature"`
	Nonce       string `json:"nonce"`
}

type pressResponse struct {
	RequestID   string `json:"request_id"`
	TimestampMs int64  `json:"timestamp_ms"`
}

// Press verifies a proof-of-work solution and, on success, appends a press
// event to the ordered log. It never touches GlobalState directly: folding
// is the reducer's job alone.
func (h *Handlers) Press(w http.ResponseWriter, r *http.Request) {
	ip := ratelimit.ClientIP(r)
	if !h.rateLimBypass {
		result := h.limiter.Check(r.Context(), ip, ratelimit.PressBurst, ratelimit.PressSustained)
		if !result.Allowed {
			h.writeRateLimited(w, r, ip, result)
			return
		}
	}

	var req pressRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	if !h.powBypass {
		sol := pow.Solution{
			ChallengeID: req.ChallengeID,
			Difficulty:  req.Difficulty,
			ExpiresAt:   req.ExpiresAt,
			Signature:   req.Signature,
			Nonce:       req.Nonce,
		}
		if err := h.oracle.Verify(r.Context(), sol); err != nil {
			h.logger.LogPoWVerification(r.Context(), req.ChallengeID, req.Difficulty, false, err)
			h.writeServiceError(w, r, powVerifyError(err))
			return
		}
		h.logger.LogPoWVerification(r.Context(), req.ChallengeID, req.Difficulty, true, nil)
	}

	now := time.Now()
	requestID := uuid.New().String()
	offset, err := h.producer.Append(r.Context(), eventlog.Payload{
		TimestampMs: now.UnixMilli(),
		RequestID:   requestID,
	})
	if err != nil {
		h.logger.WithError(err).Error("append press event")
		httputil.ServiceUnavailable(w, "could not record press")
		return
	}
	h.logger.LogPressAccepted(r.Context(), offset, 0, ip)

	httputil.WriteJSON(w, http.StatusAccepted, pressResponse{
		RequestID:   requestID,
		TimestampMs: now.UnixMilli(),
	})
}

type statePayload struct {
	ID                int64     `json:"id"`
	Counter           int64     `json:"counter"`
	Phase             string    `json:"phase"`
	Entropy           float64   `json:"entropy"`
	RevealUntilMs     int64     `json:"reveal_until_ms"`
	CooldownMs        int64     `json:"cooldown_ms"`
	UpdatedAtMs       int64     `json:"updated_at_ms"`
	LastAppliedOffset int64     `json:"last_applied_offset"`
	RulesHash         string    `json:"rules_hash"`
	CreatedAt         time.Time `json:"created_at"`
}

func toStatePayload(s state.GlobalState) statePayload {
	return statePayload{
		ID:                s.ID,
		Counter:           s.Counter,
		Phase:             s.Phase.String(),
		Entropy:           s.Entropy,
		RevealUntilMs:     s.RevealUntilMs,
		CooldownMs:        s.CooldownMs,
		UpdatedAtMs:       s.UpdatedAtMs,
		LastAppliedOffset: s.LastAppliedOffset,
		RulesHash:         s.RulesHash,
		CreatedAt:         s.CreatedAt,
	}
}

// CurrentState serves the latest folded GlobalState.
func (h *Handlers) CurrentState(w http.ResponseWriter, r *http.Request) {
	latest, err := h.states.Latest(r.Context())
	if err != nil {
		if errors.Is(err, repository.ErrNoState) {
			httputil.NotFound(w, "no state has been recorded yet")
			return
		}
		h.logger.WithError(err).Error("load latest state")
		httputil.InternalError(w, "could not load state")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toStatePayload(latest))
}

type statsResponse struct {
	Goroutines int     `json:"goroutines"`
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
	OpenFiles  int     `json:"open_files"`
	UptimeMs   int64   `json:"uptime_ms"`
}

// Stats serves process resource usage for operators watching this instance.
func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	if h.collector == nil {
		httputil.WriteJSON(w, http.StatusOK, statsResponse{UptimeMs: time.Since(h.startedAt).Milliseconds()})
		return
	}
	s := h.collector.Collect()
	httputil.WriteJSON(w, http.StatusOK, statsResponse{
		Goroutines: s.Goroutines,
		CPUPercent: s.CPUPercent,
		RSSBytes:   s.RSSBytes,
		OpenFiles:  s.OpenFiles,
		UptimeMs:   s.UptimeMs,
	})
}

func (h *Handlers) writeRateLimited(w http.ResponseWriter, r *http.Request, ip string, result ratelimit.Result) {
	if result.Blocklisted {
		h.writeServiceError(w, r, svcerrors.Blocklisted())
		return
	}
	retryAfter := result.RetryAfter
	if retryAfter <= 0 {
		retryAfter = time.Second
	}
	h.logger.LogRateLimitRejection(r.Context(), result.TierName, ip, retryAfter)
	h.writeServiceError(w, r, svcerrors.RateLimitBurst(int(retryAfter.Seconds())))
}

// powVerifyError maps internal/pow.Oracle's sentinel verification errors
// onto the service-wide error taxonomy so clients see a stable code rather
// than a free-form message string.
func powVerifyError(err error) *svcerrors.ServiceError {
	switch {
	case errors.Is(err, pow.ErrExpired):
		return svcerrors.PoWChallengeExpired()
	case errors.Is(err, pow.ErrAlreadyUsed):
		return svcerrors.PoWAlreadyUsed()
	case errors.Is(err, pow.ErrInvalidSignature):
		se := svcerrors.PoWInvalidSolution()
		se.Message = "Invalid challenge signature"
		return se
	case errors.Is(err, pow.ErrInvalidSolution):
		return svcerrors.PoWInvalidSolution()
	default:
		return svcerrors.PoWInvalidSolution().WithDetails("reason", err.Error())
	}
}

// writeServiceError renders a ServiceError through the shared error
// envelope, including its Retry-After header for rate-limit responses.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, se *svcerrors.ServiceError) {
	if retryAfter, ok := se.Details["retry_after_seconds"].(int); ok && retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	}
	httputil.WriteErrorResponse(w, r, se.HTTPStatus, string(se.Code), se.Message, se.Details)
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/j60127269-cyber/bidflow-platform-sub003/internal/db"
	"github.com/j60127269-cyber/bidflow-platform-sub003/internal/digest"
	"github.com/j60127269-cyber/bidflow-platform-sub003/internal/dispatch"
	"github.com/j60127269-cyber/bidflow-platform-sub003/internal/matcher"
	"github.com/j60127269-cyber/bidflow-platform-sub003/internal/metrics"
	"github.com/j60127269-cyber/bidflow-platform-sub003/internal/redis"
)

// ContractRepository is the contract-store surface the API needs.
type ContractRepository interface {
	CreateContract(ctx context.Context, c *db.Contract) error
	GetContract(ctx context.Context, id uuid.UUID) (*db.Contract, error)
	Publish(ctx context.Context, id uuid.UUID) (*db.Contract, error)
	SetSummary(ctx context.Context, id uuid.UUID, summary string) error
}

// QueueRepository is the queue-store surface the API needs.
type QueueRepository interface {
	ListEntries(ctx context.Context, status string, limit, offset int) ([]*db.QueueEntry, error)
	ListByContract(ctx context.Context, contractID uuid.UUID) ([]*db.QueueEntry, error)
	Stats(ctx context.Context) (*db.QueueStats, error)
	Retry(ctx context.Context, id uuid.UUID) error
	Cancel(ctx context.Context, id uuid.UUID) error
	BulkRetryFailed(ctx context.Context) (int64, error)
	BulkCancelPending(ctx context.Context) (int64, error)
}

// MatcherService computes and fans out preference matches.
type MatcherService interface {
	Match(ctx context.Context, contractID uuid.UUID) ([]uuid.UUID, error)
	FanOut(ctx context.Context, contractID uuid.UUID) (*matcher.FanOutResult, error)
}

// DispatcherService drains the queue on demand.
type DispatcherService interface {
	ProcessBatch(ctx context.Context) (*dispatch.BatchResult, error)
}

// DigestService runs a digest pass on demand.
type DigestService interface {
	Run(ctx context.Context) (*digest.Result, error)
	RunDigestForWindow(ctx context.Context, start, end time.Time) (*digest.Result, error)
}

// EventProducer publishes contract events. Optional; without it publish
// fans out synchronously.
type EventProducer interface {
	PublishContract(ctx context.Context, contractID uuid.UUID, version int, category string) (string, error)
}

// Summarizer generates a contract summary at publish time. Optional.
type Summarizer interface {
	Summarize(ctx context.Context, c *db.Contract) (string, error)
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger      *zap.Logger
	contracts   ContractRepository
	queue       QueueRepository
	matcher     MatcherService
	dispatcher  DispatcherService
	digest      DigestService
	idempotency *redis.IdempotencyService // nil if Redis not configured
	producer    EventProducer             // nil if SQS not configured
	summarizer  Summarizer                // nil if AI not configured
}

func NewHandler(logger *zap.Logger, contracts ContractRepository, queue QueueRepository, m MatcherService, d DispatcherService, dg DigestService) *Handler {
	return &Handler{
		logger:     logger,
		contracts:  contracts,
		queue:      queue,
		matcher:    m,
		dispatcher: d,
		digest:     dg,
	}
}

// WithIdempotency enables Idempotency-Key support on publish.
func (h *Handler) WithIdempotency(svc *redis.IdempotencyService) *Handler {
	h.idempotency = svc
	return h
}

// WithProducer routes fan-out through the event queue instead of running it
// inline with the publish request.
func (h *Handler) WithProducer(p EventProducer) *Handler {
	h.producer = p
	return h
}

// WithSummarizer enables AI contract summaries at publish time.
func (h *Handler) WithSummarizer(s Summarizer) *Handler {
	h.summarizer = s
	return h
}

// ContractRequest is the incoming body for POST /v1/contracts.
type ContractRequest struct {
	Title              string `json:"title"`
	Category           string `json:"category"`
	ProcuringEntity    string `json:"procuring_entity"`
	SubmissionDeadline string `json:"submission_deadline,omitempty"` // RFC 3339
}

// CreateContract handles POST /v1/contracts. Contracts start as drafts.
func (h *Handler) CreateContract(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req ContractRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.Title == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "title is required")
		return
	}

	contract := &db.Contract{
		ID:              uuid.New(),
		Title:           req.Title,
		Category:        req.Category,
		ProcuringEntity: req.ProcuringEntity,
	}

	if req.SubmissionDeadline != "" {
		deadline, err := time.Parse(time.RFC3339, req.SubmissionDeadline)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid submission_deadline", "submission_deadline must be RFC 3339")
			return
		}
		contract.SubmissionDeadline = &deadline
	}

	if err := h.contracts.CreateContract(ctx, contract); err != nil {
		h.logger.Error("failed to create contract", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to create contract", "")
		return
	}

	h.logger.Info("contract created",
		zap.String("id", contract.ID.String()),
		zap.String("category", contract.Category),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(contract)
}

// GetContract handles GET /v1/contracts/{id}
func (h *Handler) GetContract(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	contractID, ok := h.parseID(w, r)
	if !ok {
		return
	}

	contract, err := h.contracts.GetContract(ctx, contractID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Contract not found", "")
			return
		}
		h.logger.Error("failed to get contract", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get contract", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(contract)
}

// PublishResponse is returned after publishing a contract.
type PublishResponse struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Matched int    `json:"matched"`
	Queued  int    `json:"queued"`
	Skipped int    `json:"skipped"`
}

// PublishContract handles POST /v1/contracts/{id}/publish. Publishing is
// idempotent via the Idempotency-Key header: a replayed request returns the
// original result without a second fan-out.
func (h *Handler) PublishContract(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	contractID, ok := h.parseID(w, r)
	if !ok {
		return
	}

	idempotencyKey := r.Header.Get("Idempotency-Key")
	if idempotencyKey != "" && h.idempotency != nil {
		cached, err := h.idempotency.CheckOrReserve(ctx, idempotencyKey)
		if err != nil {
			if errors.Is(err, redis.ErrDuplicateRequest) {
				h.writeError(w, http.StatusConflict, "duplicate_request",
					"Request is already being processed",
					"Another request with this idempotency key is in progress")
				return
			}
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		} else if cached != nil {
			metrics.RecordIdempotencyHit()
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotency-Replayed", "true")
			w.WriteHeader(cached.StatusCode)
			_ = json.NewEncoder(w).Encode(PublishResponse{
				ID:     cached.ContractID,
				Status: db.PublishStatusPublished,
				Queued: cached.Queued,
			})
			return
		}
	}

	contract, err := h.contracts.Publish(ctx, contractID)
	if err != nil {
		h.releaseIdempotency(ctx, idempotencyKey)
		switch {
		case errors.Is(err, db.ErrNotFound):
			h.writeError(w, http.StatusNotFound, "not_found", "Contract not found", "")
		case errors.Is(err, db.ErrInvalidState):
			h.writeError(w, http.StatusConflict, "invalid_state", "Contract is not publishable", "only draft contracts can be published")
		case errors.Is(err, db.ErrIncompleteContract):
			h.writeError(w, http.StatusUnprocessableEntity, "incomplete_contract", "Contract is missing required fields", "category and title are required to publish")
		default:
			h.logger.Error("failed to publish contract", zap.Error(err))
			h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to publish contract", "")
		}
		return
	}

	if h.summarizer != nil && contract.Summary == nil {
		if summary, err := h.summarizer.Summarize(ctx, contract); err != nil {
			h.logger.Warn("contract summary generation failed",
				zap.String("id", contract.ID.String()),
				zap.Error(err),
			)
		} else if err := h.contracts.SetSummary(ctx, contract.ID, summary); err != nil {
			h.logger.Warn("failed to store contract summary", zap.Error(err))
		} else {
			contract.Summary = &summary
		}
	}

	resp := PublishResponse{
		ID:     contract.ID.String(),
		Status: contract.PublishStatus,
	}

	if h.producer != nil {
		msgID, err := h.producer.PublishContract(ctx, contract.ID, contract.Version, contract.Category)
		if err != nil {
			// The contract is published; fan out inline rather than losing
			// the notifications.
			h.logger.Error("failed to enqueue contract event, fanning out inline",
				zap.String("id", contract.ID.String()),
				zap.Error(err),
			)
			if ok := h.fanOutInline(ctx, w, contract.ID, idempotencyKey, &resp); !ok {
				return
			}
		} else {
			h.logger.Info("contract event enqueued",
				zap.String("id", contract.ID.String()),
				zap.String("sqs_message_id", msgID),
			)
		}
	} else {
		if ok := h.fanOutInline(ctx, w, contract.ID, idempotencyKey, &resp); !ok {
			return
		}
	}

	if idempotencyKey != "" && h.idempotency != nil {
		result := &redis.IdempotencyResult{
			ContractID: contract.ID.String(),
			StatusCode: http.StatusOK,
			Queued:     resp.Queued,
		}
		if err := h.idempotency.Store(ctx, idempotencyKey, result); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	h.logger.Info("contract published",
		zap.String("id", contract.ID.String()),
		zap.Int("queued", resp.Queued),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// fanOutInline runs the matcher synchronously and fills the response.
// Returns false if an error response has already been written.
func (h *Handler) fanOutInline(ctx context.Context, w http.ResponseWriter, contractID uuid.UUID, idempotencyKey string, resp *PublishResponse) bool {
	result, err := h.matcher.FanOut(ctx, contractID)
	if err != nil {
		h.releaseIdempotency(ctx, idempotencyKey)
		h.logger.Error("fan-out failed",
			zap.String("id", contractID.String()),
			zap.Error(err),
		)
		h.writeError(w, http.StatusInternalServerError, "fanout_error", "Contract published but fan-out failed", "")
		return false
	}

	resp.Matched = result.Matched
	resp.Queued = result.Queued
	resp.Skipped = result.Skipped
	return true
}

func (h *Handler) releaseIdempotency(ctx context.Context, idempotencyKey string) {
	if idempotencyKey == "" || h.idempotency == nil {
		return
	}
	if err := h.idempotency.Release(ctx, idempotencyKey); err != nil {
		h.logger.Warn("failed to release idempotency key", zap.Error(err))
	}
}

// PreferenceCheck handles POST /v1/contracts/{id}/preference-check. It runs
// the matcher without enqueuing anything.
func (h *Handler) PreferenceCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	contractID, ok := h.parseID(w, r)
	if !ok {
		return
	}

	userIDs, err := h.matcher.Match(ctx, contractID)
	if err != nil {
		switch {
		case errors.Is(err, db.ErrNotFound):
			h.writeError(w, http.StatusNotFound, "not_found", "Contract not found", "")
		case errors.Is(err, db.ErrIncompleteContract):
			h.writeError(w, http.StatusUnprocessableEntity, "incomplete_contract", "Contract cannot be matched", "contract must be published with a category")
		default:
			h.logger.Error("preference check failed", zap.Error(err))
			h.writeError(w, http.StatusInternalServerError, "match_error", "Preference check failed", "")
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"contract_id": contractID.String(),
		"matched":     len(userIDs),
		"user_ids":    userIDs,
	})
}

// ListContractNotifications handles GET /v1/contracts/{id}/notifications
func (h *Handler) ListContractNotifications(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	contractID, ok := h.parseID(w, r)
	if !ok {
		return
	}

	entries, err := h.queue.ListByContract(ctx, contractID)
	if err != nil {
		h.logger.Error("failed to list contract notifications", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list notifications", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data":  entries,
		"count": len(entries),
	})
}

// ListQueue handles GET /v1/queue?status=pending&limit=20&offset=0
func (h *Handler) ListQueue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	status := r.URL.Query().Get("status")
	if status != "" && !db.ValidStatus(status) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid status",
			"status must be one of: pending, processing, sent, failed, cancelled")
		return
	}

	limit := 20
	offset := 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	entries, err := h.queue.ListEntries(ctx, status, limit, offset)
	if err != nil {
		h.logger.Error("failed to list queue", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list queue", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data":   entries,
		"limit":  limit,
		"offset": offset,
		"count":  len(entries),
	})
}

// QueueStats handles GET /v1/queue/stats
func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	stats, err := h.queue.Stats(ctx)
	if err != nil {
		h.logger.Error("failed to get queue stats", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get queue stats", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(stats)
}

// ProcessQueue handles POST /v1/queue/process. It triggers one dispatcher
// pass immediately instead of waiting for the next poll tick.
func (h *Handler) ProcessQueue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	result, err := h.dispatcher.ProcessBatch(ctx)
	if err != nil {
		h.logger.Error("manual queue processing failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "dispatch_error", "Failed to process queue", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(result)
}

// RetryQueueEntry handles POST /v1/queue/{id}/retry
func (h *Handler) RetryQueueEntry(w http.ResponseWriter, r *http.Request) {
	h.transitionEntry(w, r, "retried", h.queue.Retry)
}

// CancelQueueEntry handles POST /v1/queue/{id}/cancel
func (h *Handler) CancelQueueEntry(w http.ResponseWriter, r *http.Request) {
	h.transitionEntry(w, r, "cancelled", h.queue.Cancel)
}

func (h *Handler) transitionEntry(w http.ResponseWriter, r *http.Request, action string, fn func(context.Context, uuid.UUID) error) {
	ctx := r.Context()

	entryID, ok := h.parseID(w, r)
	if !ok {
		return
	}

	if err := fn(ctx, entryID); err != nil {
		switch {
		case errors.Is(err, db.ErrNotFound):
			h.writeError(w, http.StatusNotFound, "not_found", "Queue entry not found", "")
		case errors.Is(err, db.ErrInvalidState):
			h.writeError(w, http.StatusConflict, "invalid_state", "Queue entry cannot be "+action, "the entry's current status does not allow this transition")
		default:
			h.logger.Error("queue entry transition failed",
				zap.String("action", action),
				zap.Error(err),
			)
			h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to update queue entry", "")
		}
		return
	}

	h.logger.Info("queue entry "+action, zap.String("id", entryID.String()))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"id":     entryID.String(),
		"status": action,
	})
}

// BulkRetry handles POST /v1/queue/bulk-retry
func (h *Handler) BulkRetry(w http.ResponseWriter, r *http.Request) {
	h.bulkAction(w, r, "retried", h.queue.BulkRetryFailed)
}

// BulkCancel handles POST /v1/queue/bulk-cancel
func (h *Handler) BulkCancel(w http.ResponseWriter, r *http.Request) {
	h.bulkAction(w, r, "cancelled", h.queue.BulkCancelPending)
}

func (h *Handler) bulkAction(w http.ResponseWriter, r *http.Request, action string, fn func(context.Context) (int64, error)) {
	ctx := r.Context()

	affected, err := fn(ctx)
	if err != nil {
		h.logger.Error("bulk queue action failed",
			zap.String("action", action),
			zap.Error(err),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Bulk action failed", "")
		return
	}

	h.logger.Info("bulk queue action complete",
		zap.String("action", action),
		zap.Int64("affected", affected),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"action":   action,
		"affected": affected,
	})
}

// DigestRunRequest optionally pins the digest window. Both bounds RFC 3339;
// an empty body runs the per-user default window.
type DigestRunRequest struct {
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

// RunDigest handles POST /v1/digest/run
func (h *Handler) RunDigest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req DigestRunRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
			return
		}
	}

	var result *digest.Result
	var err error
	if req.Start != "" || req.End != "" {
		start, perr := time.Parse(time.RFC3339, req.Start)
		if perr != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid start", "start must be RFC 3339")
			return
		}
		end, perr := time.Parse(time.RFC3339, req.End)
		if perr != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid end", "end must be RFC 3339")
			return
		}
		if !end.After(start) {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid window", "end must be after start")
			return
		}
		result, err = h.digest.RunDigestForWindow(ctx, start, end)
	} else {
		result, err = h.digest.Run(ctx)
	}
	if err != nil {
		h.logger.Error("manual digest run failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "digest_error", "Digest run failed", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(result)
}

func (h *Handler) parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	idStr := chi.URLParam(r, "id")
	id, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid ID", "ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

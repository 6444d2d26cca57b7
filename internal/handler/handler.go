// Package handler содержит HTTP-обработчики API хаба.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/channel-hub/internal/clearing"
	"github.com/mmeshcher/channel-hub/internal/ledger"
	"github.com/mmeshcher/channel-hub/internal/middleware"
	"github.com/mmeshcher/channel-hub/internal/model"
	"github.com/mmeshcher/channel-hub/internal/settlement"
	"github.com/mmeshcher/channel-hub/internal/validation"
)

// Clearing определяет операции проведения платежей.
type Clearing interface {
	ClearPayment(ctx context.Context, in clearing.PaymentInstruction) (*model.ClearedPayment, error)
	ListPayments(ctx context.Context, payeeID string) ([]model.ClearedPayment, error)
}

// Channels определяет операции с каналами.
type Channels interface {
	OpenChannel(ctx context.Context, ownerID string, role model.Role, initialBalance model.Amount) (*model.Channel, error)
	ActiveChannel(ctx context.Context, ownerID string, role model.Role) (*model.Channel, error)
}

// Settlement определяет операции расчёта.
type Settlement interface {
	SettleMerchant(ctx context.Context, payeeID string, force bool) (*model.SettlementJob, error)
	ShouldSettleNow(ctx context.Context, payeeID string) (bool, error)
	GetJob(ctx context.Context, id string) (*model.SettlementJob, error)
	ListJobs(ctx context.Context) ([]model.SettlementJob, error)
	ListActiveJobs(ctx context.Context) ([]model.SettlementJob, error)
	Stats(ctx context.Context) (model.Stats, error)
}

// Handler реализует HTTP-обработчики API хаба.
type Handler struct {
	clearing   Clearing
	channels   Channels
	settlement Settlement
	logger     *zap.Logger
	auth       *middleware.OperatorAuth
	metrics    http.Handler
}

// NewHandler создаёт обработчик HTTP-запросов. Если auth равен nil, маршруты расчёта открыты.
func NewHandler(c Clearing, ch Channels, s Settlement, logger *zap.Logger, auth *middleware.OperatorAuth, metrics http.Handler) *Handler {
	return &Handler{
		clearing:   c,
		channels:   ch,
		settlement: s,
		logger:     logger,
		auth:       auth,
		metrics:    metrics,
	}
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: code, Message: message})
}

type clearRequest struct {
	PayerID   string       `json:"payerId"`
	PayeeID   string       `json:"payeeId"`
	Amount    model.Amount `json:"amount"`
	Signature string       `json:"signature"`
	Message   string       `json:"message"`
}

// ClearPayment проводит подписанное платёжное поручение.
func (h *Handler) ClearPayment(w http.ResponseWriter, r *http.Request) {
	var req clearRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed payment instruction")
		return
	}

	payer, ok := validation.NormalizeOwnerID(req.PayerID)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "payerId must be a hex address")
		return
	}
	payee, ok := validation.NormalizeOwnerID(req.PayeeID)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "payeeId must be a hex address")
		return
	}
	if req.Signature == "" {
		writeError(w, http.StatusUnauthorized, "invalid_signature", "signature is required")
		return
	}

	p, err := h.clearing.ClearPayment(r.Context(), clearing.PaymentInstruction{
		PayerID:   payer,
		PayeeID:   payee,
		Amount:    req.Amount,
		Signature: req.Signature,
		Message:   req.Message,
	})
	if err != nil {
		switch {
		case errors.Is(err, clearing.ErrInvalidSignature):
			writeError(w, http.StatusUnauthorized, "invalid_signature", err.Error())
		case errors.Is(err, clearing.ErrInvalidAmount), errors.Is(err, clearing.ErrSelfPayment):
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		case errors.Is(err, clearing.ErrNoChannel):
			writeError(w, http.StatusNotFound, "no_channel", err.Error())
		case errors.Is(err, clearing.ErrInsufficientBalance):
			writeError(w, http.StatusPaymentRequired, "insufficient_balance", err.Error())
		case errors.Is(err, ledger.ErrChannelClosed):
			writeError(w, http.StatusConflict, "channel_closed", err.Error())
		default:
			h.logger.Error("clear payment error", zap.Error(err), zap.String("payer", payer), zap.String("payee", payee))
			writeError(w, http.StatusInternalServerError, "internal", http.StatusText(http.StatusInternalServerError))
		}
		return
	}

	writeJSON(w, http.StatusCreated, p)
}

// GetPayments возвращает платежи получателя.
func (h *Handler) GetPayments(w http.ResponseWriter, r *http.Request) {
	payee, ok := validation.NormalizeOwnerID(chi.URLParam(r, "payeeId"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "payeeId must be a hex address")
		return
	}

	payments, err := h.clearing.ListPayments(r.Context(), payee)
	if err != nil {
		h.logger.Error("list payments error", zap.Error(err), zap.String("payee", payee))
		writeError(w, http.StatusInternalServerError, "internal", http.StatusText(http.StatusInternalServerError))
		return
	}

	if len(payments) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, payments)
}

type openChannelRequest struct {
	OwnerID        string       `json:"ownerId"`
	InitialBalance model.Amount `json:"initialBalance"`
}

// OpenChannel открывает канал плательщика или получателя.
func (h *Handler) OpenChannel(w http.ResponseWriter, r *http.Request) {
	role, ok := validation.ParseRole(chi.URLParam(r, "role"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "role must be payer or payee")
		return
	}

	var req openChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed channel request")
		return
	}
	owner, ok := validation.NormalizeOwnerID(req.OwnerID)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "ownerId must be a hex address")
		return
	}

	ch, err := h.channels.OpenChannel(r.Context(), owner, role, req.InitialBalance)
	if err != nil {
		if errors.Is(err, ledger.ErrAlreadyActive) {
			writeError(w, http.StatusConflict, "already_active", err.Error())
			return
		}
		h.logger.Error("open channel error", zap.Error(err), zap.String("owner", owner))
		writeError(w, http.StatusInternalServerError, "internal", http.StatusText(http.StatusInternalServerError))
		return
	}

	writeJSON(w, http.StatusCreated, ch)
}

// GetChannel возвращает активный канал владельца.
func (h *Handler) GetChannel(w http.ResponseWriter, r *http.Request) {
	role, ok := validation.ParseRole(chi.URLParam(r, "role"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "role must be payer or payee")
		return
	}
	owner, ok := validation.NormalizeOwnerID(chi.URLParam(r, "ownerId"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "ownerId must be a hex address")
		return
	}

	ch, err := h.channels.ActiveChannel(r.Context(), owner, role)
	if err != nil {
		if errors.Is(err, ledger.ErrChannelNotFound) {
			writeError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		h.logger.Error("get channel error", zap.Error(err), zap.String("owner", owner))
		writeError(w, http.StatusInternalServerError, "internal", http.StatusText(http.StatusInternalServerError))
		return
	}

	writeJSON(w, http.StatusOK, ch)
}

type settleRequest struct {
	Force bool `json:"force"`
}

// Settle запускает расчёт получателя и возвращает задание.
func (h *Handler) Settle(w http.ResponseWriter, r *http.Request) {
	payee, ok := validation.NormalizeOwnerID(chi.URLParam(r, "payeeId"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "payeeId must be a hex address")
		return
	}

	var req settleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed settlement request")
		return
	}

	if op, ok := middleware.OperatorFromContext(r.Context()); ok {
		h.logger.Info("settlement requested", zap.String("operator", op), zap.String("payee", payee), zap.Bool("force", req.Force))
	}

	job, err := h.settlement.SettleMerchant(r.Context(), payee, req.Force)
	if err == nil {
		writeJSON(w, http.StatusOK, job)
		return
	}

	var jobErr *settlement.JobError
	switch {
	case errors.Is(err, settlement.ErrSettlementInProgress):
		writeError(w, http.StatusConflict, string(model.ReasonInProgress), err.Error())
	case errors.Is(err, settlement.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, "shutting_down", err.Error())
	case errors.As(err, &jobErr) && job != nil:
		writeJSON(w, jobStatusCode(jobErr.Reason), job)
	default:
		h.logger.Error("settle error", zap.Error(err), zap.String("payee", payee))
		writeError(w, http.StatusInternalServerError, string(model.ReasonInternal), http.StatusText(http.StatusInternalServerError))
	}
}

func jobStatusCode(reason model.FailureReason) int {
	switch {
	case reason.IsBusiness(), reason == model.ReasonNoChannel:
		return http.StatusUnprocessableEntity
	case reason == model.ReasonBridgeFailed, reason == model.ReasonPreferencesUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type dueResponse struct {
	PayeeID string `json:"payeeId"`
	Due     bool   `json:"due"`
}

// GetDue сообщает, наступило ли время расчёта получателя.
func (h *Handler) GetDue(w http.ResponseWriter, r *http.Request) {
	payee, ok := validation.NormalizeOwnerID(chi.URLParam(r, "payeeId"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "payeeId must be a hex address")
		return
	}

	due, err := h.settlement.ShouldSettleNow(r.Context(), payee)
	if err != nil {
		if errors.Is(err, settlement.ErrPreferencesUnavailable) {
			writeError(w, http.StatusBadGateway, string(model.ReasonPreferencesUnavailable), err.Error())
			return
		}
		h.logger.Error("should settle error", zap.Error(err), zap.String("payee", payee))
		writeError(w, http.StatusInternalServerError, string(model.ReasonInternal), http.StatusText(http.StatusInternalServerError))
		return
	}

	writeJSON(w, http.StatusOK, dueResponse{PayeeID: payee, Due: due})
}

// GetJob возвращает задание расчёта.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, err := h.settlement.GetJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, settlement.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		h.logger.Error("get job error", zap.Error(err), zap.String("job", id))
		writeError(w, http.StatusInternalServerError, "internal", http.StatusText(http.StatusInternalServerError))
		return
	}

	writeJSON(w, http.StatusOK, job)
}

// ListJobs возвращает все задания или только активные при active=true.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	var (
		jobs []model.SettlementJob
		err  error
	)
	if r.URL.Query().Get("active") == "true" {
		jobs, err = h.settlement.ListActiveJobs(r.Context())
	} else {
		jobs, err = h.settlement.ListJobs(r.Context())
	}
	if err != nil {
		h.logger.Error("list jobs error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", http.StatusText(http.StatusInternalServerError))
		return
	}

	if len(jobs) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

// GetStats возвращает агрегированную статистику заданий.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.settlement.Stats(r.Context())
	if err != nil {
		h.logger.Error("stats error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", http.StatusText(http.StatusInternalServerError))
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Health отвечает на проверку живости.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

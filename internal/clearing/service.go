// Package clearing проводит мгновенные платежи между каналами плательщика и получателя.
package clearing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/channel-hub/internal/events"
	"github.com/mmeshcher/channel-hub/internal/ledger"
	"github.com/mmeshcher/channel-hub/internal/model"
	"github.com/mmeshcher/channel-hub/internal/monitor"
	"github.com/mmeshcher/channel-hub/internal/signature"
)

var (
	// ErrInvalidSignature возвращается, если авторизация не подписана плательщиком.
	ErrInvalidSignature = signature.ErrInvalidSignature
	// ErrNoChannel возвращается, если у плательщика нет активного канала.
	ErrNoChannel = errors.New("payer has no active channel")
	// ErrInvalidAmount возвращается для нулевой суммы платежа.
	ErrInvalidAmount = errors.New("payment amount must be positive")
	// ErrSelfPayment возвращается, если плательщик и получатель совпадают.
	ErrSelfPayment = errors.New("payer and payee must differ")
	// ErrInsufficientBalance пробрасывается из реестра каналов.
	ErrInsufficientBalance = ledger.ErrInsufficientBalance
)

// Ledger описывает операции реестра каналов, нужные для проведения платежа.
type Ledger interface {
	ActiveChannel(ctx context.Context, ownerID string, role model.Role) (*model.Channel, error)
	OpenChannel(ctx context.Context, ownerID string, role model.Role, initialBalance model.Amount) (*model.Channel, error)
	ApplyTransfer(ctx context.Context, fromID, toID string, amount model.Amount) (model.Amount, model.Amount, error)
}

// PaymentStore хранит проведённые платежи.
type PaymentStore interface {
	AddPayment(ctx context.Context, p *model.ClearedPayment) error
	ListPayments(ctx context.Context, payeeID string) ([]model.ClearedPayment, error)
}

// Verifier проверяет подпись сообщения против адреса.
type Verifier interface {
	Verify(address string, message []byte, sig string) error
}

// PaymentInstruction входящее платёжное поручение.
type PaymentInstruction struct {
	PayerID   string
	PayeeID   string
	Amount    model.Amount
	Signature string
	// Message подписанное сообщение; если задано, должно совпадать с каноническим.
	Message string
}

// Service проводит платежи.
type Service struct {
	ledger    Ledger
	payments  PaymentStore
	verifier  Verifier
	publisher events.Publisher
	metrics   *monitor.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

// NewService создаёт сервис проведения платежей.
func NewService(l Ledger, payments PaymentStore, verifier Verifier, publisher events.Publisher, metrics *monitor.Metrics, logger *zap.Logger) *Service {
	return &Service{
		ledger:    l,
		payments:  payments,
		verifier:  verifier,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
	}
}

// ClearPayment проверяет поручение и атомарно переносит сумму из канала плательщика в канал получателя.
func (s *Service) ClearPayment(ctx context.Context, in PaymentInstruction) (*model.ClearedPayment, error) {
	p, err := s.clear(ctx, in)
	if err != nil {
		s.metrics.ObservePaymentRejected(rejectReason(err))
		return nil, err
	}
	s.metrics.ObservePaymentCleared(p.Amount)
	return p, nil
}

func (s *Service) clear(ctx context.Context, in PaymentInstruction) (*model.ClearedPayment, error) {
	if in.Amount == 0 {
		return nil, ErrInvalidAmount
	}
	if in.PayerID == in.PayeeID {
		return nil, ErrSelfPayment
	}

	msg := signature.AuthorizationMessage(in.PayerID, in.PayeeID, in.Amount)
	if in.Message != "" && in.Message != msg {
		return nil, fmt.Errorf("%w: message does not match payment instruction", ErrInvalidSignature)
	}
	if err := s.verifier.Verify(in.PayerID, []byte(msg), in.Signature); err != nil {
		return nil, err
	}

	payerCh, err := s.ledger.ActiveChannel(ctx, in.PayerID, model.RolePayer)
	if err != nil {
		if errors.Is(err, ledger.ErrChannelNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNoChannel, in.PayerID)
		}
		return nil, fmt.Errorf("resolve payer channel: %w", err)
	}

	var payerBalance, payeeBalance model.Amount
	for attempt := 0; ; attempt++ {
		payeeCh, err := s.payeeChannel(ctx, in.PayeeID)
		if err != nil {
			return nil, err
		}

		payerBalance, payeeBalance, err = s.ledger.ApplyTransfer(ctx, payerCh.ID, payeeCh.ID, in.Amount)
		if err == nil {
			break
		}
		// Канал получателя мог быть закрыт расчётом между поиском и переводом.
		if errors.Is(err, ledger.ErrChannelClosed) && attempt == 0 {
			continue
		}
		return nil, err
	}

	p := &model.ClearedPayment{
		ID:              uuid.NewString(),
		PayerID:         in.PayerID,
		PayeeID:         in.PayeeID,
		Amount:          in.Amount,
		SourceChannelID: payerCh.ID,
		Timestamp:       s.now().UTC(),
		Status:          model.PaymentStatusCleared,
	}
	if err := s.payments.AddPayment(ctx, p); err != nil {
		// Перевод уже применён; платёж всё равно будет выведен расчётом по балансу канала.
		s.logger.Error("store cleared payment", zap.Error(err), zap.String("payment", p.ID))
	}

	err = s.publisher.Publish(ctx, events.PaymentCleared{
		PaymentID: p.ID,
		PayerID:   p.PayerID,
		PayeeID:   p.PayeeID,
		Amount:    p.Amount,
		Balances:  model.Balances{Payer: payerBalance, Payee: payeeBalance},
		Timestamp: p.Timestamp,
	})
	if err != nil {
		s.logger.Warn("publish payment cleared", zap.Error(err), zap.String("payment", p.ID))
	}

	return p, nil
}

func (s *Service) payeeChannel(ctx context.Context, payeeID string) (*model.Channel, error) {
	ch, err := s.ledger.ActiveChannel(ctx, payeeID, model.RolePayee)
	if err == nil {
		return ch, nil
	}
	if !errors.Is(err, ledger.ErrChannelNotFound) {
		return nil, fmt.Errorf("resolve payee channel: %w", err)
	}

	ch, err = s.ledger.OpenChannel(ctx, payeeID, model.RolePayee, 0)
	if err == nil {
		return ch, nil
	}
	if !errors.Is(err, ledger.ErrAlreadyActive) {
		return nil, fmt.Errorf("open payee channel: %w", err)
	}

	// Канал открыл параллельный платёж.
	ch, err = s.ledger.ActiveChannel(ctx, payeeID, model.RolePayee)
	if err != nil {
		return nil, fmt.Errorf("resolve payee channel: %w", err)
	}
	return ch, nil
}

// ListPayments возвращает платежи получателя.
func (s *Service) ListPayments(ctx context.Context, payeeID string) ([]model.ClearedPayment, error) {
	return s.payments.ListPayments(ctx, payeeID)
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, ErrNoChannel):
		return "no_channel"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrSelfPayment):
		return "invalid_request"
	case errors.Is(err, ledger.ErrChannelClosed):
		return "channel_closed"
	default:
		return "internal"
	}
}

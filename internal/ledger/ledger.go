// Package ledger ведёт балансы платёжных каналов и атомарно применяет переводы.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/mmeshcher/channel-hub/internal/model"
	"github.com/mmeshcher/channel-hub/internal/repository"
)

var (
	// ErrChannelNotFound возвращается, если канал неизвестен.
	ErrChannelNotFound = repository.ErrChannelNotFound
	// ErrAlreadyActive возвращается, если у владельца уже есть активный канал в этой роли.
	ErrAlreadyActive = repository.ErrActiveChannelExists
	// ErrInsufficientBalance возвращается, если сумма перевода превышает баланс отправителя.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrChannelClosed возвращается, если канал не в статусе active.
	ErrChannelClosed = errors.New("channel is not active")
	// ErrInvalidAmount возвращается для нулевой суммы перевода.
	ErrInvalidAmount = errors.New("transfer amount must be positive")
	// ErrSameChannel возвращается при переводе внутри одного канала.
	ErrSameChannel = errors.New("source and destination channel are the same")
	// ErrBalanceOverflow возвращается, если зачисление переполняет баланс получателя.
	ErrBalanceOverflow = errors.New("balance overflow")
	// ErrInvalidRole возвращается для неизвестной роли канала.
	ErrInvalidRole = errors.New("invalid channel role")
	// ErrChannelChanged возвращается, если канал изменился после снятого снимка.
	ErrChannelChanged = errors.New("channel changed since snapshot")
)

// Store описывает хранилище каналов, используемое реестром.
type Store interface {
	CreateChannel(ctx context.Context, ch *model.Channel) error
	GetChannel(ctx context.Context, id string) (*model.Channel, error)
	FindActiveChannel(ctx context.Context, ownerID string, role model.Role) (*model.Channel, error)
	ListChannels(ctx context.Context, role model.Role, status model.ChannelStatus) ([]model.Channel, error)
	UpdateChannels(ctx context.Context, ids []string, fn repository.ChannelUpdateFunc) error
	TotalBalance(ctx context.Context) (model.Amount, error)
}

// Ledger единственный источник изменений состояния каналов.
type Ledger struct {
	store Store
	now   func() time.Time
}

// New создаёт реестр поверх хранилища каналов.
func New(store Store) *Ledger {
	return &Ledger{
		store: store,
		now:   time.Now,
	}
}

// OpenChannel открывает активный канал с начальным балансом.
func (l *Ledger) OpenChannel(ctx context.Context, ownerID string, role model.Role, initialBalance model.Amount) (*model.Channel, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	if initialBalance > model.MaxAmount {
		return nil, fmt.Errorf("%w: initial balance %d", ErrBalanceOverflow, uint64(initialBalance))
	}

	now := l.now().UTC()
	ch := &model.Channel{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Role:      role,
		Balance:   initialBalance,
		Status:    model.ChannelStatusActive,
		Nonce:     0,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := l.store.CreateChannel(ctx, ch); err != nil {
		return nil, err
	}
	return ch, nil
}

// ApplyTransfer атомарно переносит amount из канала fromID в канал toID
// и возвращает новые балансы обоих каналов.
func (l *Ledger) ApplyTransfer(ctx context.Context, fromID, toID string, amount model.Amount) (model.Amount, model.Amount, error) {
	if amount == 0 {
		return 0, 0, ErrInvalidAmount
	}
	if fromID == toID {
		return 0, 0, fmt.Errorf("%w: %s", ErrSameChannel, fromID)
	}

	var fromBalance, toBalance model.Amount
	err := l.store.UpdateChannels(ctx, []string{fromID, toID}, func(chs []*model.Channel) error {
		from, to := chs[0], chs[1]
		if !from.IsActive() {
			return fmt.Errorf("%w: %s is %s", ErrChannelClosed, from.ID, from.Status)
		}
		if !to.IsActive() {
			return fmt.Errorf("%w: %s is %s", ErrChannelClosed, to.ID, to.Status)
		}
		if amount > from.Balance {
			return fmt.Errorf("%w: channel %s has %s, need %s", ErrInsufficientBalance, from.ID, from.Balance, amount)
		}
		if amount > model.MaxAmount || to.Balance > model.MaxAmount-amount {
			return fmt.Errorf("%w: channel %s", ErrBalanceOverflow, to.ID)
		}

		now := l.now().UTC()
		from.Balance -= amount
		from.Nonce++
		from.UpdatedAt = now
		to.Balance += amount
		to.Nonce++
		to.UpdatedAt = now

		fromBalance, toBalance = from.Balance, to.Balance
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return fromBalance, toBalance, nil
}

// GetBalance возвращает текущий баланс канала.
func (l *Ledger) GetBalance(ctx context.Context, channelID string) (model.Amount, error) {
	ch, err := l.store.GetChannel(ctx, channelID)
	if err != nil {
		return 0, err
	}
	return ch.Balance, nil
}

// GetChannel возвращает снимок канала.
func (l *Ledger) GetChannel(ctx context.Context, channelID string) (*model.Channel, error) {
	return l.store.GetChannel(ctx, channelID)
}

// ActiveChannel возвращает активный канал владельца в указанной роли.
func (l *Ledger) ActiveChannel(ctx context.Context, ownerID string, role model.Role) (*model.Channel, error) {
	return l.store.FindActiveChannel(ctx, ownerID, role)
}

// ListActive возвращает активные каналы указанной роли.
func (l *Ledger) ListActive(ctx context.Context, role model.Role) ([]model.Channel, error) {
	return l.store.ListChannels(ctx, role, model.ChannelStatusActive)
}

// TotalBalance возвращает сумму балансов всех каналов.
func (l *Ledger) TotalBalance(ctx context.Context) (model.Amount, error) {
	return l.store.TotalBalance(ctx)
}

// CloseChannel закрывает канал и обнуляет его баланс в одном атомарном шаге.
// Возвращённая сумма считается выведенной в расчёт.
func (l *Ledger) CloseChannel(ctx context.Context, channelID string) (*model.ChannelClosure, error) {
	return l.closeChannel(ctx, channelID, nil)
}

// CloseChannelAt закрывает канал, только если его nonce всё ещё равен expectedNonce.
// Иначе канал остаётся активным, а возвращается ErrChannelChanged.
func (l *Ledger) CloseChannelAt(ctx context.Context, channelID string, expectedNonce uint64) (*model.ChannelClosure, error) {
	return l.closeChannel(ctx, channelID, &expectedNonce)
}

func (l *Ledger) closeChannel(ctx context.Context, channelID string, expectedNonce *uint64) (*model.ChannelClosure, error) {
	var closure *model.ChannelClosure
	err := l.store.UpdateChannels(ctx, []string{channelID}, func(chs []*model.Channel) error {
		ch := chs[0]
		if !ch.IsActive() {
			return fmt.Errorf("%w: %s is %s", ErrChannelClosed, ch.ID, ch.Status)
		}
		if expectedNonce != nil && ch.Nonce != *expectedNonce {
			return fmt.Errorf("%w: %s nonce %d, expected %d", ErrChannelChanged, ch.ID, ch.Nonce, *expectedNonce)
		}

		now := l.now().UTC()
		final := ch.Balance

		ch.Status = model.ChannelStatusClosing
		ch.Nonce++
		ref := closeRef(ch.ID, ch.Nonce, final)

		ch.Balance = 0
		ch.Status = model.ChannelStatusClosed
		ch.UpdatedAt = now
		ch.ClosedAt = &now

		closure = &model.ChannelClosure{
			ChannelID:    ch.ID,
			OwnerID:      ch.OwnerID,
			FinalBalance: final,
			Nonce:        ch.Nonce,
			TxRef:        ref,
			ClosedAt:     now,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return closure, nil
}

func closeRef(channelID string, nonce uint64, balance model.Amount) string {
	return crypto.Keccak256Hash(
		[]byte(channelID),
		[]byte(strconv.FormatUint(nonce, 10)),
		[]byte(strconv.FormatUint(uint64(balance), 10)),
	).Hex()
}

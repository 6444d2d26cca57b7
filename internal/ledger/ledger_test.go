package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/channel-hub/internal/model"
	"github.com/mmeshcher/channel-hub/internal/repository"
)

const unit = model.Amount(1_000_000)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	return New(repository.NewMemoryRepository())
}

func openPair(t *testing.T, l *Ledger, payerBalance, payeeBalance model.Amount) (*model.Channel, *model.Channel) {
	t.Helper()
	ctx := context.Background()

	payer, err := l.OpenChannel(ctx, "payer-1", model.RolePayer, payerBalance)
	require.NoError(t, err)
	payee, err := l.OpenChannel(ctx, "payee-1", model.RolePayee, payeeBalance)
	require.NoError(t, err)
	return payer, payee
}

func TestOpenChannel(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	ch, err := l.OpenChannel(ctx, "owner", model.RolePayer, 100*unit)
	require.NoError(t, err)
	assert.Equal(t, model.ChannelStatusActive, ch.Status)
	assert.Equal(t, uint64(0), ch.Nonce)
	assert.Equal(t, 100*unit, ch.Balance)

	_, err = l.OpenChannel(ctx, "owner", model.RolePayer, 0)
	assert.ErrorIs(t, err, ErrAlreadyActive)

	_, err = l.OpenChannel(ctx, "owner", model.RolePayee, 0)
	assert.NoError(t, err, "same owner may hold a channel in another role")

	_, err = l.OpenChannel(ctx, "owner", model.Role("admin"), 0)
	assert.ErrorIs(t, err, ErrInvalidRole)
}

func TestApplyTransfer_MovesValue(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	payer, payee := openPair(t, l, 100*unit, 0)

	fromBal, toBal, err := l.ApplyTransfer(ctx, payer.ID, payee.ID, 10*unit)
	require.NoError(t, err)
	assert.Equal(t, 90*unit, fromBal)
	assert.Equal(t, 10*unit, toBal)

	p, err := l.GetChannel(ctx, payer.ID)
	require.NoError(t, err)
	q, err := l.GetChannel(ctx, payee.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), p.Nonce)
	assert.Equal(t, uint64(1), q.Nonce)
}

func TestApplyTransfer_InsufficientBalanceLeavesStateUnchanged(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	payer, payee := openPair(t, l, 90*unit, 10*unit)

	_, _, err := l.ApplyTransfer(ctx, payer.ID, payee.ID, 1000*unit)
	require.ErrorIs(t, err, ErrInsufficientBalance)

	p, _ := l.GetChannel(ctx, payer.ID)
	q, _ := l.GetChannel(ctx, payee.ID)
	assert.Equal(t, 90*unit, p.Balance)
	assert.Equal(t, 10*unit, q.Balance)
	assert.Equal(t, uint64(0), p.Nonce, "rejected transfer must not bump nonce")
	assert.Equal(t, uint64(0), q.Nonce)
}

func TestApplyTransfer_Errors(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	payer, payee := openPair(t, l, 10*unit, 0)

	tests := []struct {
		name   string
		from   string
		to     string
		amount model.Amount
		want   error
	}{
		{name: "unknown source", from: "missing", to: payee.ID, amount: unit, want: ErrChannelNotFound},
		{name: "unknown destination", from: payer.ID, to: "missing", amount: unit, want: ErrChannelNotFound},
		{name: "zero amount", from: payer.ID, to: payee.ID, amount: 0, want: ErrInvalidAmount},
		{name: "same channel", from: payer.ID, to: payer.ID, amount: unit, want: ErrSameChannel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := l.ApplyTransfer(ctx, tt.from, tt.to, tt.amount)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestApplyTransfer_Overflow(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	payer, payee := openPair(t, l, 10*unit, model.MaxAmount-1)

	_, _, err := l.ApplyTransfer(ctx, payer.ID, payee.ID, 2)
	assert.ErrorIs(t, err, ErrBalanceOverflow)

	_, err = l.OpenChannel(ctx, "payer-2", model.RolePayer, model.MaxAmount+1)
	assert.ErrorIs(t, err, ErrBalanceOverflow)
}

func TestCloseChannelAt_RejectsChangedChannel(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	payer, payee := openPair(t, l, 100*unit, 0)

	_, _, err := l.ApplyTransfer(ctx, payer.ID, payee.ID, 10*unit)
	require.NoError(t, err)
	snapshot, err := l.GetChannel(ctx, payee.ID)
	require.NoError(t, err)

	// Платёж между снимком и закрытием.
	_, _, err = l.ApplyTransfer(ctx, payer.ID, payee.ID, 5*unit)
	require.NoError(t, err)

	_, err = l.CloseChannelAt(ctx, payee.ID, snapshot.Nonce)
	assert.ErrorIs(t, err, ErrChannelChanged)

	ch, err := l.GetChannel(ctx, payee.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ChannelStatusActive, ch.Status)
	assert.Equal(t, 15*unit, ch.Balance)

	closure, err := l.CloseChannelAt(ctx, payee.ID, ch.Nonce)
	require.NoError(t, err)
	assert.Equal(t, 15*unit, closure.FinalBalance)

	total, err := l.TotalBalance(ctx)
	require.NoError(t, err)
	assert.Equal(t, 85*unit, total)
}

func TestCloseChannel(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	payer, payee := openPair(t, l, 100*unit, 0)

	_, _, err := l.ApplyTransfer(ctx, payer.ID, payee.ID, 10*unit)
	require.NoError(t, err)

	closure, err := l.CloseChannel(ctx, payee.ID)
	require.NoError(t, err)
	assert.Equal(t, 10*unit, closure.FinalBalance)
	assert.Equal(t, uint64(2), closure.Nonce)
	assert.Len(t, closure.TxRef, 66)

	ch, err := l.GetChannel(ctx, payee.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ChannelStatusClosed, ch.Status)
	assert.Equal(t, model.Amount(0), ch.Balance)
	assert.NotNil(t, ch.ClosedAt)

	_, err = l.CloseChannel(ctx, payee.ID)
	assert.ErrorIs(t, err, ErrChannelClosed)

	_, _, err = l.ApplyTransfer(ctx, payer.ID, payee.ID, unit)
	assert.ErrorIs(t, err, ErrChannelClosed)

	_, err = l.CloseChannel(ctx, "missing")
	assert.ErrorIs(t, err, ErrChannelNotFound)

	_, err = l.ActiveChannel(ctx, "payee-1", model.RolePayee)
	assert.ErrorIs(t, err, ErrChannelNotFound)

	reopened, err := l.OpenChannel(ctx, "payee-1", model.RolePayee, 0)
	require.NoError(t, err, "owner may open a new channel after settlement")
	assert.NotEqual(t, payee.ID, reopened.ID)
}

func TestApplyTransfer_ConcurrentConservation(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	const payers = 8
	ids := make([]string, 0, payers)
	for i := 0; i < payers; i++ {
		ch, err := l.OpenChannel(ctx, string(rune('a'+i)), model.RolePayer, 50*unit)
		require.NoError(t, err)
		ids = append(ids, ch.ID)
	}
	payee, err := l.OpenChannel(ctx, "shop", model.RolePayee, 0)
	require.NoError(t, err)

	before, err := l.TotalBalance(ctx)
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for _, id := range ids {
		for k := 0; k < 20; k++ {
			wg.Add(1)
			go func(from string) {
				defer wg.Done()
				_, _, err := l.ApplyTransfer(ctx, from, payee.ID, 3*unit)
				if err == nil {
					mu.Lock()
					accepted++
					mu.Unlock()
					return
				}
				if !errors.Is(err, ErrInsufficientBalance) {
					t.Errorf("unexpected error: %v", err)
				}
			}(id)
		}
	}
	wg.Wait()

	after, err := l.TotalBalance(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after, "sum of balances must be invariant across transfers")

	// 50 / 3 = 16 переводов на канал
	assert.Equal(t, payers*16, accepted)

	shop, err := l.GetChannel(ctx, payee.ID)
	require.NoError(t, err)
	assert.Equal(t, model.Amount(accepted)*3*unit, shop.Balance)
	assert.Equal(t, uint64(accepted), shop.Nonce)

	for _, id := range ids {
		ch, err := l.GetChannel(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 2*unit, ch.Balance)
		assert.Equal(t, uint64(16), ch.Nonce)
	}
}

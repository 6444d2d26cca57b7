package fake

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/channel-hub/internal/model"
)

func TestBridge_FailsFirstCalls(t *testing.T) {
	b := NewBridge(2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := b.Bridge(ctx, 1, "", "base")
		require.ErrorIs(t, err, ErrUnavailable)
	}

	ref, err := b.Bridge(ctx, 1, "", "base")
	require.NoError(t, err)
	assert.Equal(t, "0xbridge0001", ref)
	assert.Len(t, b.Calls(), 3)
}

func TestVault_Idempotent(t *testing.T) {
	v := NewVault()
	ctx := context.Background()

	first, err := v.Deposit(ctx, "0xvault", "0xpayee", 5, "job-1")
	require.NoError(t, err)
	second, err := v.Deposit(ctx, "0xvault", "0xpayee", 5, "job-1")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, v.Deposits(), 1)
	assert.Equal(t, 2, v.Calls())

	v.Fail(true)
	_, err = v.Deposit(ctx, "0xvault", "0xpayee", 5, "job-2")
	assert.True(t, errors.Is(err, ErrUnavailable))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	r.SetAlias("0xABC", "coffee.eth")
	r.SetPreference("coffee.eth", model.Preference{Schedule: model.ScheduleWeekly})

	alias, err := r.ReverseResolve(ctx, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, "coffee.eth", alias)

	pref, err := r.Lookup(ctx, alias)
	require.NoError(t, err)
	require.NotNil(t, pref)
	assert.Equal(t, model.ScheduleWeekly, pref.Schedule)

	missing, err := r.Lookup(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, missing)

	r.FailWith(ErrUnavailable)
	_, err = r.ReverseResolve(ctx, "0xabc")
	assert.ErrorIs(t, err, ErrUnavailable)
}

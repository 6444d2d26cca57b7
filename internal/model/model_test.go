package model

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAmount(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    Amount
		wantErr bool
	}{
		{name: "integer", in: "10", want: 10_000_000},
		{name: "fraction", in: "10.50", want: 10_500_000},
		{name: "smallest unit", in: "0.000001", want: 1},
		{name: "zero", in: "0", want: 0},
		{name: "negative", in: "-1", wantErr: true},
		{name: "too precise", in: "0.0000001", wantErr: true},
		{name: "garbage", in: "ten", wantErr: true},
		{name: "overflow", in: "99999999999999999999", wantErr: true},
		{name: "largest storable", in: "9223372036854.775807", want: MaxAmount},
		{name: "above storable", in: "9223372036854.775808", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAmount(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidAmount))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAmount_JSON(t *testing.T) {
	b, err := json.Marshal(Amount(10_500_000))
	require.NoError(t, err)
	assert.Equal(t, `"10.5"`, string(b))

	var fromString, fromNumber Amount
	require.NoError(t, json.Unmarshal([]byte(`"2.25"`), &fromString))
	require.NoError(t, json.Unmarshal([]byte(`2.25`), &fromNumber))
	assert.Equal(t, Amount(2_250_000), fromString)
	assert.Equal(t, fromString, fromNumber)

	var bad Amount
	assert.ErrorIs(t, json.Unmarshal([]byte(`"-3"`), &bad), ErrInvalidAmount)
}

func TestStage_Index(t *testing.T) {
	for i, st := range StageOrder {
		assert.Equal(t, i, st.Index(), st)
	}
	assert.Equal(t, -1, Stage("unknown").Index())
	assert.Less(t, StageBridging.Index(), StageDepositing.Index())
}

func TestFailureReason_IsBusiness(t *testing.T) {
	assert.True(t, ReasonNotDue.IsBusiness())
	assert.True(t, ReasonNothingToSettle.IsBusiness())
	assert.False(t, ReasonBridgeFailed.IsBusiness())
	assert.False(t, ReasonNoChannel.IsBusiness())
}

func TestSettlementJob_Clone(t *testing.T) {
	end := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	job := &SettlementJob{
		ID:             "job-1",
		Status:         JobStatusCompleted,
		Warnings:       []string{"w1"},
		EndTime:        &end,
		ExternalTxRefs: map[string]string{TxRefBridge: "0x1"},
	}

	c := job.Clone()
	c.Warnings[0] = "changed"
	c.ExternalTxRefs[TxRefBridge] = "0x2"
	*c.EndTime = end.Add(time.Hour)

	assert.Equal(t, "w1", job.Warnings[0])
	assert.Equal(t, "0x1", job.ExternalTxRefs[TxRefBridge])
	assert.Equal(t, end, *job.EndTime)
	assert.True(t, c.IsTerminal())
	assert.False(t, c.IsActive())
}

func TestRole_Valid(t *testing.T) {
	assert.True(t, RolePayer.Valid())
	assert.True(t, RolePayee.Valid())
	assert.False(t, Role("admin").Valid())
}

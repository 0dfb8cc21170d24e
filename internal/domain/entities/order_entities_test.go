package entities

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrequencyIntervals(t *testing.T) {
	tests := []struct {
		frequency Frequency
		want      time.Duration
	}{
		{FrequencyHourly, time.Hour},
		{FrequencyDaily, 24 * time.Hour},
		{FrequencyWeekly, 7 * 24 * time.Hour},
		{FrequencyMonthly, 30 * 24 * time.Hour},
	}

	for _, tt := range tests {
		t.Run(string(tt.frequency), func(t *testing.T) {
			got, err := tt.frequency.Interval()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := Frequency("biweekly").Interval()
	assert.Error(t, err)
	assert.False(t, Frequency("biweekly").Valid())
}

func TestOrderStatusIsTerminal(t *testing.T) {
	assert.True(t, OrderStatusCompleted.IsTerminal())
	assert.True(t, OrderStatusCancelled.IsTerminal())
	assert.False(t, OrderStatusActive.IsTerminal())
	assert.False(t, OrderStatusPaused.IsTerminal())
	assert.False(t, OrderStatusInsufficientBalance.IsTerminal())
}

func TestPerExecutionAmount(t *testing.T) {
	t.Run("divides evenly", func(t *testing.T) {
		o := &Order{TotalAmount: NewBigInt(1000), TotalExecutions: 10}
		assert.Equal(t, "100", o.PerExecutionAmount().String())
	})

	t.Run("truncates remainder", func(t *testing.T) {
		o := &Order{TotalAmount: NewBigInt(1000), TotalExecutions: 3}
		assert.Equal(t, "333", o.PerExecutionAmount().String())
	})

	t.Run("handles degenerate orders", func(t *testing.T) {
		o := &Order{TotalExecutions: 0, TotalAmount: NewBigInt(100)}
		assert.Equal(t, "0", o.PerExecutionAmount().String())
	})
}

func TestRemainingExecutions(t *testing.T) {
	o := &Order{TotalExecutions: 10, ExecutionsCount: 4}
	assert.Equal(t, 6, o.RemainingExecutions())

	o.ExecutionsCount = 12
	assert.Equal(t, 0, o.RemainingExecutions())
}

func TestApplySlippage(t *testing.T) {
	tests := []struct {
		name        string
		buyAmount   int64
		slippageBps int
		want        int64
	}{
		{"default 150 bps", 10000, 150, 9850},
		{"emergency 500 bps", 10000, 500, 9500},
		{"rounds down", 999, 150, 984}, // 999 * 0.985 = 984.015
		{"zero slippage", 10000, 0, 10000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ApplySlippage(big.NewInt(tt.buyAmount), tt.slippageBps)
			assert.Equal(t, big.NewInt(tt.want), got)
		})
	}

	assert.Nil(t, ApplySlippage(nil, 150))
}

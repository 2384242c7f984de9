package breaker

import (
	"binance-range-bot-go/internal/models"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var testNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return testNow }

func testConfig() models.CircuitBreakerConfig {
	return models.CircuitBreakerConfig{
		Enabled:                  true,
		ConsecutiveFailures:      3,
		DailyLossLimit:           20,
		TotalLossLimit:           100,
		CooldownMs:               12 * 60 * 60 * 1000,
		PriceVolatilityThreshold: 10,
	}
}

func completedTrade(profit float64, endTime time.Time) *models.TradeRecord {
	return &models.TradeRecord{
		Status:  models.TradeCompleted,
		Profit:  profit,
		EndTime: endTime.UnixMilli(),
	}
}

func TestTripsOnConsecutiveFailures(t *testing.T) {
	b := New(testConfig(), fixedNow)

	b.RecordFailure()
	b.RecordFailure()
	assert.False(t, b.ShouldTrip(&models.SystemStats{}, nil))

	b.RecordFailure()
	assert.True(t, b.ShouldTrip(&models.SystemStats{}, nil))
	assert.True(t, b.State().IsTripped)
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	b := New(testConfig(), fixedNow)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	assert.False(t, b.ShouldTrip(&models.SystemStats{}, nil))
}

func TestTripsOnDailyLoss(t *testing.T) {
	b := New(testConfig(), fixedNow)

	// two losers and one winner today, net -25 against a limit of 20
	records := []*models.TradeRecord{
		completedTrade(-20, testNow),
		completedTrade(-15, testNow),
		completedTrade(10, testNow),
		// yesterday's loss is out of scope
		completedTrade(-50, testNow.Add(-24*time.Hour)),
	}

	assert.True(t, b.ShouldTrip(&models.SystemStats{}, records))
	state := b.State()
	assert.Contains(t, state.Reason, "单日亏损")
	assert.InDelta(t, -25.0, state.DailyLoss, 1e-9)
}

func TestTripsOnTotalLoss(t *testing.T) {
	b := New(testConfig(), fixedNow)

	assert.True(t, b.ShouldTrip(&models.SystemStats{TotalProfit: -120}, nil))
	assert.Contains(t, b.State().Reason, "总亏损")
}

func TestCooldownAutoRecovery(t *testing.T) {
	current := testNow
	b := New(testConfig(), func() time.Time { return current })

	b.RecordFailure()
	b.RecordFailure()
	b.RecordFailure()
	assert.True(t, b.ShouldTrip(&models.SystemStats{}, nil))

	// still inside the cooldown window
	current = testNow.Add(6 * time.Hour)
	assert.True(t, b.ShouldTrip(&models.SystemStats{}, nil))

	// past the cooldown: state clears, including the failure streak
	current = testNow.Add(13 * time.Hour)
	assert.False(t, b.ShouldTrip(&models.SystemStats{}, nil))
	assert.False(t, b.State().IsTripped)
	assert.Equal(t, 0, b.State().ConsecutiveFailures)
}

func TestManualReset(t *testing.T) {
	b := New(testConfig(), fixedNow)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordFailure()
	assert.True(t, b.ShouldTrip(&models.SystemStats{}, nil))

	b.Reset()
	assert.False(t, b.ShouldTrip(&models.SystemStats{}, nil))
}

func TestDisabledBreakerNeverTrips(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	b := New(cfg, fixedNow)

	for i := 0; i < 10; i++ {
		b.RecordFailure()
	}
	assert.False(t, b.ShouldTrip(&models.SystemStats{TotalProfit: -1000}, nil))
}

func TestCheckPriceVolatility(t *testing.T) {
	b := New(testConfig(), fixedNow)

	assert.True(t, b.CheckPriceVolatility(100, 111))
	assert.True(t, b.CheckPriceVolatility(100, 89))
	assert.False(t, b.CheckPriceVolatility(100, 105))
	assert.False(t, b.CheckPriceVolatility(0, 105))
}

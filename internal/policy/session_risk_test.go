package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEvaluateStakeRisk_LowRisk(t *testing.T) {
	result := EvaluateStakeRisk(StakeRiskSignals{
		ConsecutiveLosses: 1,
		Amount:            100,
		AverageStake:      100,
	})
	assert.Equal(t, RiskLow, result.Level)
	assert.Equal(t, 0, result.Score)
	assert.Empty(t, result.Flags)
}

func TestEvaluateStakeRisk_MediumRisk(t *testing.T) {
	result := EvaluateStakeRisk(StakeRiskSignals{
		ConsecutiveLosses: 3,
		Amount:            300,
		AverageStake:      100,
	})
	assert.Equal(t, RiskMedium, result.Level)
	assert.Equal(t, 30, result.Score)
	assert.Contains(t, result.Flags, "loss_streak_moderate")
	assert.Contains(t, result.Flags, "stake_increase")
}

func TestEvaluateStakeRisk_HighRisk(t *testing.T) {
	result := EvaluateStakeRisk(StakeRiskSignals{
		ConsecutiveLosses: 7,
		HourlyLoss:        60_000,
		DailyLossLimit:    100_000,
		Amount:            1_000,
		AverageStake:      100,
		SessionLength:     4 * time.Hour,
	})
	assert.Equal(t, RiskHigh, result.Level)
	assert.Equal(t, 100, result.Score)
	assert.ElementsMatch(t, []string{"loss_chasing", "rapid_losses", "stake_escalation", "long_session"}, result.Flags)
}

func TestEvaluateStakeRisk_NoEscalationWithoutHistory(t *testing.T) {
	result := EvaluateStakeRisk(StakeRiskSignals{Amount: 10_000})
	assert.Equal(t, 0, result.Score)
}

func TestEvaluateStakeRisk_ThresholdBoundaries(t *testing.T) {
	tests := []struct {
		name   string
		losses int
		level  RiskLevel
	}{
		{"two losses", 2, RiskLow},
		{"three losses", 3, RiskLow},
		{"six losses", 6, RiskMedium},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := EvaluateStakeRisk(StakeRiskSignals{ConsecutiveLosses: tt.losses})
			assert.Equal(t, tt.level, result.Level)
		})
	}
}

package policy

import "time"

// RiskLevel classifies stake risk.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// StakeRiskSignals holds the raw inputs for risk evaluation.
type StakeRiskSignals struct {
	ConsecutiveLosses int           `json:"consecutive_losses"`
	HourlyLoss        int64         `json:"hourly_loss"`
	DailyLossLimit    int64         `json:"daily_loss_limit"`
	Amount            int64         `json:"amount"`        // requested stake, 0 when re-scoring after an outcome
	AverageStake      int64         `json:"average_stake"` // lifetime mean before this stake
	SessionLength     time.Duration `json:"session_length"`
}

// StakeRiskResult holds the evaluated risk.
type StakeRiskResult struct {
	Level RiskLevel `json:"level"`
	Score int       `json:"score"`
	Flags []string  `json:"flags,omitempty"`
}

// EvaluateStakeRisk computes a risk score from play signals.
func EvaluateStakeRisk(signals StakeRiskSignals) StakeRiskResult {
	var score int
	var flags []string

	if signals.ConsecutiveLosses >= 6 {
		score += 30
		flags = append(flags, "loss_chasing")
	} else if signals.ConsecutiveLosses >= 3 {
		score += 15
		flags = append(flags, "loss_streak_moderate")
	}

	if signals.DailyLossLimit > 0 {
		if signals.HourlyLoss*2 >= signals.DailyLossLimit {
			score += 30
			flags = append(flags, "rapid_losses")
		} else if signals.HourlyLoss*4 >= signals.DailyLossLimit {
			score += 15
			flags = append(flags, "elevated_losses")
		}
	}

	if signals.AverageStake > 0 && signals.Amount > 0 {
		if signals.Amount >= signals.AverageStake*5 {
			score += 30
			flags = append(flags, "stake_escalation")
		} else if signals.Amount >= signals.AverageStake*3 {
			score += 15
			flags = append(flags, "stake_increase")
		}
	}

	if signals.SessionLength >= 3*time.Hour {
		score += 15
		flags = append(flags, "long_session")
	}

	if score > 100 {
		score = 100
	}

	level := RiskLow
	if score >= 60 {
		level = RiskHigh
	} else if score >= 30 {
		level = RiskMedium
	}

	return StakeRiskResult{Level: level, Score: score, Flags: flags}
}

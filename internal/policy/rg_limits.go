package policy

import "github.com/attaboy/wagerline/internal/domain"

// RgLimitPolicy defines responsible gaming limits for a user, in coins. Zero disables a limit.
type RgLimitPolicy struct {
	SingleStakeMax int64 `json:"single_stake_max"`
	HourlyStakeMax int64 `json:"hourly_stake_max"`
	DailyStakeMax  int64 `json:"daily_stake_max"`
	HourlyLossMax  int64 `json:"hourly_loss_max"`
	DailyLossMax   int64 `json:"daily_loss_max"`
}

// DefaultRgLimits returns the platform default limits.
func DefaultRgLimits() RgLimitPolicy {
	return RgLimitPolicy{
		SingleStakeMax: 10_000,
		HourlyStakeMax: 50_000,
		DailyStakeMax:  200_000,
		HourlyLossMax:  25_000,
		DailyLossMax:   100_000,
	}
}

// WindowTotals are the rolling sums the limits are checked against.
type WindowTotals struct {
	HourlyStake int64 `json:"hourly_stake"`
	DailyStake  int64 `json:"daily_stake"`
	HourlyLoss  int64 `json:"hourly_loss"`
	DailyLoss   int64 `json:"daily_loss"`
}

// RgEvaluation holds the result of an RG limits check.
type RgEvaluation struct {
	Allowed       bool   `json:"allowed"`
	BreachedLimit string `json:"breached_limit,omitempty"`
	LimitValue    int64  `json:"limit_value,omitempty"`
	RequestedAmt  int64  `json:"requested_amount,omitempty"`
}

// EvaluateRgLimits checks an amount against the rolling totals. A stake is
// checked against the stake limits and, since it can be lost in full, against
// the loss limits too. A loss is only checked against the loss limits.
func EvaluateRgLimits(policy RgLimitPolicy, amount int64, kind domain.StakeKind, totals WindowTotals) RgEvaluation {
	if kind == domain.KindStake {
		if policy.SingleStakeMax > 0 && amount > policy.SingleStakeMax {
			return breach(domain.LimitSingleStake, policy.SingleStakeMax, amount)
		}
		if policy.HourlyStakeMax > 0 && totals.HourlyStake+amount > policy.HourlyStakeMax {
			return breach(domain.LimitHourlyStake, policy.HourlyStakeMax, totals.HourlyStake+amount)
		}
		if policy.DailyStakeMax > 0 && totals.DailyStake+amount > policy.DailyStakeMax {
			return breach(domain.LimitDailyStake, policy.DailyStakeMax, totals.DailyStake+amount)
		}
	}

	if policy.HourlyLossMax > 0 && totals.HourlyLoss+amount > policy.HourlyLossMax {
		return breach(domain.LimitHourlyLoss, policy.HourlyLossMax, totals.HourlyLoss+amount)
	}
	if policy.DailyLossMax > 0 && totals.DailyLoss+amount > policy.DailyLossMax {
		return breach(domain.LimitDailyLoss, policy.DailyLossMax, totals.DailyLoss+amount)
	}

	return RgEvaluation{Allowed: true}
}

func breach(name string, limit, requested int64) RgEvaluation {
	return RgEvaluation{Allowed: false, BreachedLimit: name, LimitValue: limit, RequestedAmt: requested}
}

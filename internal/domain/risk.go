package domain

import "time"

// StakeKind distinguishes the two amounts the risk gate is asked about.
type StakeKind string

const (
	KindStake StakeKind = "stake"
	KindLoss  StakeKind = "loss"
)

// ExclusionKind is who set an exclusion.
type ExclusionKind string

const (
	ExclusionSelf  ExclusionKind = "self"
	ExclusionAdmin ExclusionKind = "admin"
)

// AutoLossStreakReason marks a self-exclusion raised by the gate itself.
const AutoLossStreakReason = "auto:loss_streak"

// Exclusion is a time-boxed block on staking.
type Exclusion struct {
	Kind   ExclusionKind `json:"kind"`
	Until  time.Time     `json:"until"`
	Reason string        `json:"reason"`
	SetBy  string        `json:"set_by"`
	SetAt  time.Time     `json:"set_at"`
}

// ActiveAt reports whether the exclusion still blocks at t.
func (e *Exclusion) ActiveAt(t time.Time) bool {
	return e != nil && t.Before(e.Until)
}

// SessionState is the lifecycle of a play session.
type SessionState string

const (
	SessionInactive    SessionState = "inactive"
	SessionActive      SessionState = "active"
	SessionExpired     SessionState = "expired"
	SessionForcedEnded SessionState = "forced_ended"
)

// Session is the user's current play session.
type Session struct {
	ID               string       `json:"id,omitempty"`
	State            SessionState `json:"state"`
	StartedAt        *time.Time   `json:"started_at,omitempty"`
	EndedAt          *time.Time   `json:"ended_at,omitempty"`
	LastRealityCheck *time.Time   `json:"last_reality_check,omitempty"`
	CooldownUntil    *time.Time   `json:"cooldown_until,omitempty"`
	Staked           int64        `json:"staked"`
	Lost             int64        `json:"lost"`
}

// WindowBucket accumulates activity for one fixed slice of time.
type WindowBucket struct {
	Start  time.Time `json:"start"`
	Staked int64     `json:"staked"`
	Lost   int64     `json:"lost"` // net loss, floored at zero per bucket
	Count  int       `json:"count"`
}

// RiskProfile is the per-user risk state, created lazily on first contact.
type RiskProfile struct {
	UserID            string         `json:"user_id"`
	Buckets           []WindowBucket `json:"buckets"`
	ConsecutiveLosses int            `json:"consecutive_losses"`
	StakeCount        int64          `json:"stake_count"`
	StakeTotal        int64          `json:"stake_total"`
	RiskScore         int            `json:"risk_score"`
	RiskLevel         string         `json:"risk_level"`
	Flags             []string       `json:"flags,omitempty"`
	FlaggedForReview  bool           `json:"flagged_for_review"`
	SelfExclusion     *Exclusion     `json:"self_exclusion,omitempty"`
	AdminExclusion    *Exclusion     `json:"admin_exclusion,omitempty"`
	Session           Session        `json:"session"`
	KYCVerified       bool           `json:"kyc_verified"`
	BirthDate         *time.Time     `json:"birth_date,omitempty"`
	CountryCode       string         `json:"country_code,omitempty"`
	CountryEligible   bool           `json:"country_eligible"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// NewRiskProfile returns the profile a user starts with.
func NewRiskProfile(userID string, now time.Time) *RiskProfile {
	return &RiskProfile{
		UserID:          userID,
		RiskLevel:       "low",
		Session:         Session{State: SessionInactive},
		CountryEligible: true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// AverageStake is the mean stake over the profile's lifetime.
func (p *RiskProfile) AverageStake() int64 {
	if p.StakeCount == 0 {
		return 0
	}
	return p.StakeTotal / p.StakeCount
}

// RiskDecision is the gate's answer for one request.
type RiskDecision struct {
	Allowed    bool   `json:"allowed"`
	Reason     string `json:"reason,omitempty"`
	Limit      string `json:"limit,omitempty"`
	LimitValue int64  `json:"limit_value,omitempty"`
	Requested  int64  `json:"requested,omitempty"`
	Score      int    `json:"score"`
}

// Risk reason codes beyond the shared error codes.
const (
	ReasonCountryRestricted = "country_restricted"
	ReasonKYCRequired       = "kyc_required"
	ReasonUnderage          = "underage"
	ReasonSessionLimit      = "session_limit"
	ReasonLossStreak        = "loss_streak"
	ReasonRiskReview        = "risk_review"
)

// Limit names reported with limit_exceeded.
const (
	LimitSingleStake = "single_stake"
	LimitHourlyStake = "hourly_stake"
	LimitDailyStake  = "daily_stake"
	LimitHourlyLoss  = "hourly_loss"
	LimitDailyLoss   = "daily_loss"
)

package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/attaboy/wagerline/internal/domain"
	"github.com/attaboy/wagerline/internal/repository"
	"github.com/google/uuid"
)

// GateConfig tunes the risk gate.
type GateConfig struct {
	Limits               RgLimitPolicy
	Identity             IdentityPolicy
	MaxSession           time.Duration
	SessionCooldown      time.Duration
	RealityCheckInterval time.Duration
	LossStreakThreshold  int           // consecutive losses that trigger an automatic exclusion
	LossStreakExclusion  time.Duration // length of that exclusion
	ReviewThreshold      int           // scores above this are denied and flagged
}

// DefaultGateConfig returns the platform defaults.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		Limits:               DefaultRgLimits(),
		Identity:             IdentityPolicy{MinAge: 18},
		MaxSession:           4 * time.Hour,
		SessionCooldown:      30 * time.Minute,
		RealityCheckInterval: time.Hour,
		LossStreakThreshold:  10,
		LossStreakExclusion:  24 * time.Hour,
		ReviewThreshold:      75,
	}
}

// IdentityUpdate carries admin-supplied identity facts. Nil fields are left unchanged.
type IdentityUpdate struct {
	KYCVerified     *bool      `json:"kyc_verified,omitempty"`
	BirthDate       *time.Time `json:"birth_date,omitempty"`
	CountryCode     *string    `json:"country_code,omitempty"`
	CountryEligible *bool      `json:"country_eligible,omitempty"`
}

// ProfileView is a profile with its derived rolling totals.
type ProfileView struct {
	*domain.RiskProfile
	Totals           WindowTotals `json:"totals"`
	RealityCheckDue  bool         `json:"reality_check_due"`
	SessionRemaining string       `json:"session_remaining,omitempty"`
}

// Gate decides whether a user may stake. All state lives in per-user profile
// documents updated under compare-and-swap.
type Gate struct {
	store  repository.DocStore
	events repository.EventSink
	cfg    GateConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewGate creates a risk gate.
func NewGate(store repository.DocStore, events repository.EventSink, cfg GateConfig, logger *slog.Logger) *Gate {
	return &Gate{store: store, events: events, cfg: cfg, logger: logger, now: time.Now}
}

// SetClock replaces the gate's time source.
func (g *Gate) SetClock(now func() time.Time) { g.now = now }

func profileKey(userID string) string { return "risk:profile:" + userID }

// update loads (or creates) the user's profile, normalizes time-based state and
// applies fn under compare-and-swap. fn may run more than once.
func (g *Gate) update(ctx context.Context, userID string, fn func(p *domain.RiskProfile, now time.Time) error) (*domain.RiskProfile, error) {
	if userID == "" {
		return nil, domain.ErrValidation("user id is required")
	}
	now := g.now()
	p, err := repository.MutateJSON(ctx, g.store, profileKey(userID), nil, func(p *domain.RiskProfile) (*domain.RiskProfile, error) {
		if p == nil {
			p = domain.NewRiskProfile(userID, now)
		}
		g.normalize(p, now)
		if err := fn(p, now); err != nil {
			return nil, err
		}
		p.UpdatedAt = now
		return p, nil
	})
	if err != nil {
		var appErr *domain.AppError
		if errors.As(err, &appErr) {
			return nil, err
		}
		return nil, domain.ErrUnavailable("risk profile update failed", err)
	}
	return p, nil
}

// normalize applies everything that happens by the passage of time alone.
func (g *Gate) normalize(p *domain.RiskProfile, now time.Time) {
	if p.SelfExclusion != nil && !p.SelfExclusion.ActiveAt(now) {
		p.SelfExclusion = nil
	}
	if p.AdminExclusion != nil && !p.AdminExclusion.ActiveAt(now) {
		p.AdminExclusion = nil
	}
	s := &p.Session
	if s.State == domain.SessionActive && s.StartedAt != nil && g.cfg.MaxSession > 0 &&
		!now.Before(s.StartedAt.Add(g.cfg.MaxSession)) {
		g.endSession(p, s.StartedAt.Add(g.cfg.MaxSession), domain.SessionExpired)
	}
	if (s.State == domain.SessionExpired || s.State == domain.SessionForcedEnded) &&
		(s.CooldownUntil == nil || !now.Before(*s.CooldownUntil)) {
		s.State = domain.SessionInactive
	}
	prune(p, now)
}

func (g *Gate) endSession(p *domain.RiskProfile, at time.Time, state domain.SessionState) {
	s := &p.Session
	s.State = state
	s.EndedAt = &at
	if state != domain.SessionInactive && g.cfg.SessionCooldown > 0 {
		until := at.Add(g.cfg.SessionCooldown)
		s.CooldownUntil = &until
	}
}

// AssessRisk decides whether userID may stake or lose amount. Checks run in a
// fixed order and the first failure is reported. A loss streak at threshold
// raises an automatic self-exclusion; a score above the review threshold flags
// the profile.
func (g *Gate) AssessRisk(ctx context.Context, userID string, amount int64, kind domain.StakeKind) (domain.RiskDecision, error) {
	if amount < 0 {
		return domain.RiskDecision{}, domain.ErrValidation("amount must not be negative")
	}
	if kind != domain.KindStake && kind != domain.KindLoss {
		return domain.RiskDecision{}, domain.ErrValidation(fmt.Sprintf("unknown kind %q", kind))
	}

	var decision domain.RiskDecision
	var autoExcluded, flagged bool
	p, err := g.update(ctx, userID, func(p *domain.RiskProfile, now time.Time) error {
		decision, autoExcluded, flagged = g.assess(p, now, amount, kind)
		return nil
	})
	if err != nil {
		return domain.RiskDecision{}, err
	}

	g.report(ctx, p, decision, autoExcluded, flagged, amount, kind)
	return decision, nil
}

// report logs a decision and emits the events its side effects raised.
func (g *Gate) report(ctx context.Context, p *domain.RiskProfile, decision domain.RiskDecision, autoExcluded, flagged bool, amount int64, kind domain.StakeKind) {
	switch {
	case autoExcluded:
		g.logger.Warn("loss streak exclusion raised", "user_id", p.UserID, "until", p.SelfExclusion.Until)
		g.emit(ctx, domain.NewExclusionEvent(p.UserID, domain.ExclusionSelf, p.SelfExclusion.Until, domain.AutoLossStreakReason))
	case flagged:
		g.logger.Warn("risk profile flagged for review", "user_id", p.UserID, "score", p.RiskScore, "flags", p.Flags)
		g.emit(ctx, domain.NewRiskFlaggedEvent(p.UserID, p.RiskScore, p.Flags))
	}
	if !decision.Allowed {
		g.logger.Info("risk denied", "user_id", p.UserID, "amount", amount, "kind", kind, "reason", decision.Reason, "limit", decision.Limit)
	}
}

func (g *Gate) assess(p *domain.RiskProfile, now time.Time, amount int64, kind domain.StakeKind) (domain.RiskDecision, bool, bool) {
	deny := func(reason string) domain.RiskDecision {
		return domain.RiskDecision{Allowed: false, Reason: reason, Score: p.RiskScore}
	}

	if p.AdminExclusion.ActiveAt(now) {
		return deny(domain.CodeAdminExcluded), false, false
	}
	if p.SelfExclusion.ActiveAt(now) {
		return deny(domain.CodeSelfExcluded), false, false
	}
	if reason := EvaluateIdentityPolicy(g.cfg.Identity, p, now); reason != "" {
		return deny(reason), false, false
	}
	if p.Session.State == domain.SessionExpired || p.Session.State == domain.SessionForcedEnded {
		return deny(domain.ReasonSessionLimit), false, false
	}

	totals := Totals(p, now)
	if eval := EvaluateRgLimits(g.cfg.Limits, amount, kind, totals); !eval.Allowed {
		d := deny(domain.CodeLimitExceeded)
		d.Limit = eval.BreachedLimit
		d.LimitValue = eval.LimitValue
		d.Requested = eval.RequestedAmt
		return d, false, false
	}

	if kind == domain.KindLoss {
		return domain.RiskDecision{Allowed: true, Score: p.RiskScore}, false, false
	}

	if g.cfg.LossStreakThreshold > 0 && p.ConsecutiveLosses >= g.cfg.LossStreakThreshold {
		until := now.Add(g.cfg.LossStreakExclusion)
		p.SelfExclusion = &domain.Exclusion{
			Kind:   domain.ExclusionSelf,
			Until:  until,
			Reason: domain.AutoLossStreakReason,
			SetBy:  "system",
			SetAt:  now,
		}
		p.ConsecutiveLosses = 0
		return deny(domain.ReasonLossStreak), true, false
	}

	risk := g.score(p, now, totals, amount)
	if g.cfg.ReviewThreshold > 0 && risk.Score > g.cfg.ReviewThreshold {
		first := !p.FlaggedForReview
		p.FlaggedForReview = true
		g.applyScore(p, risk)
		d := deny(domain.ReasonRiskReview)
		d.Score = risk.Score
		return d, false, first
	}

	return domain.RiskDecision{Allowed: true, Score: risk.Score}, false, false
}

func (g *Gate) score(p *domain.RiskProfile, now time.Time, totals WindowTotals, amount int64) StakeRiskResult {
	var sessionLength time.Duration
	if p.Session.State == domain.SessionActive && p.Session.StartedAt != nil {
		sessionLength = now.Sub(*p.Session.StartedAt)
	}
	return EvaluateStakeRisk(StakeRiskSignals{
		ConsecutiveLosses: p.ConsecutiveLosses,
		HourlyLoss:        totals.HourlyLoss,
		DailyLossLimit:    g.cfg.Limits.DailyLossMax,
		Amount:            amount,
		AverageStake:      p.AverageStake(),
		SessionLength:     sessionLength,
	})
}

func (g *Gate) applyScore(p *domain.RiskProfile, risk StakeRiskResult) {
	p.RiskScore = risk.Score
	p.RiskLevel = string(risk.Level)
	p.Flags = risk.Flags
}

// ReserveStake runs the AssessRisk checks for a stake and, when they pass,
// counts the stake against the user's windows in the same compare-and-swap.
// Concurrent reservations therefore cannot together exceed a limit that each
// would pass alone. A stake that later fails or is refunded must be handed
// back with ReleaseStake.
func (g *Gate) ReserveStake(ctx context.Context, userID string, amount int64) (domain.RiskDecision, error) {
	if amount <= 0 {
		return domain.RiskDecision{}, domain.ErrValidation("amount must be positive")
	}
	var decision domain.RiskDecision
	var autoExcluded, flagged bool
	p, err := g.update(ctx, userID, func(p *domain.RiskProfile, now time.Time) error {
		decision, autoExcluded, flagged = g.assess(p, now, amount, domain.KindStake)
		if decision.Allowed {
			g.countStake(p, now, amount)
		}
		return nil
	})
	if err != nil {
		return domain.RiskDecision{}, err
	}
	g.report(ctx, p, decision, autoExcluded, flagged, amount, domain.KindStake)
	return decision, nil
}

// ReleaseStake returns a reserved amount placed at placedAt. A refund that
// arrives after the stake's bucket rolled out of the day window releases
// nothing from the windows.
func (g *Gate) ReleaseStake(ctx context.Context, userID string, amount int64, placedAt time.Time) error {
	if amount <= 0 {
		return nil
	}
	_, err := g.update(ctx, userID, func(p *domain.RiskProfile, _ time.Time) error {
		release(p, placedAt, amount)
		p.Session.Staked = max(p.Session.Staked-amount, 0)
		p.StakeCount = max(p.StakeCount-1, 0)
		p.StakeTotal = max(p.StakeTotal-amount, 0)
		return nil
	})
	if err == nil {
		g.logger.Debug("stake reservation released", "user_id", userID, "amount", amount)
	}
	return err
}

// RecordStake counts a stake without assessing it. It starts a session if
// none is active.
func (g *Gate) RecordStake(ctx context.Context, userID string, amount int64) error {
	_, err := g.update(ctx, userID, func(p *domain.RiskProfile, now time.Time) error {
		g.countStake(p, now, amount)
		return nil
	})
	return err
}

func (g *Gate) countStake(p *domain.RiskProfile, now time.Time, amount int64) {
	if p.Session.State == domain.SessionInactive {
		g.startSession(p, now)
	}
	record(p, now, amount, 0)
	p.Session.Staked += amount
	p.StakeCount++
	p.StakeTotal += amount
}

// RecordOutcome updates the loss windows and streak for a settled stake. A
// refunded stake should not be recorded.
func (g *Gate) RecordOutcome(ctx context.Context, userID string, amount int64, won bool, payout int64) error {
	_, err := g.update(ctx, userID, func(p *domain.RiskProfile, now time.Time) error {
		if won {
			p.ConsecutiveLosses = 0
		} else {
			p.ConsecutiveLosses++
		}
		if lost := amount - payout; lost > 0 {
			record(p, now, 0, lost)
			p.Session.Lost += lost
		}
		g.applyScore(p, g.score(p, now, Totals(p, now), 0))
		return nil
	})
	return err
}

// SetSelfExclusion blocks the user for days. Exclusions only ever extend: a
// shorter request against a longer active exclusion is a no-op.
func (g *Gate) SetSelfExclusion(ctx context.Context, userID string, days int, reason string) (*domain.Exclusion, error) {
	return g.setExclusion(ctx, userID, domain.ExclusionSelf, days, reason, userID)
}

// SetAdminExclusion blocks the user on an operator's behalf.
func (g *Gate) SetAdminExclusion(ctx context.Context, userID string, days int, reason, adminID string) (*domain.Exclusion, error) {
	return g.setExclusion(ctx, userID, domain.ExclusionAdmin, days, reason, adminID)
}

func (g *Gate) setExclusion(ctx context.Context, userID string, kind domain.ExclusionKind, days int, reason, actor string) (*domain.Exclusion, error) {
	if days <= 0 {
		return nil, domain.ErrValidation("exclusion days must be positive")
	}
	var changed bool
	p, err := g.update(ctx, userID, func(p *domain.RiskProfile, now time.Time) error {
		slot := &p.SelfExclusion
		if kind == domain.ExclusionAdmin {
			slot = &p.AdminExclusion
		}
		until := now.AddDate(0, 0, days)
		changed = false
		if *slot != nil && !until.After((*slot).Until) {
			return nil
		}
		*slot = &domain.Exclusion{Kind: kind, Until: until, Reason: reason, SetBy: actor, SetAt: now}
		changed = true
		if p.Session.State == domain.SessionActive {
			g.endSession(p, now, domain.SessionInactive)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	excl := p.SelfExclusion
	if kind == domain.ExclusionAdmin {
		excl = p.AdminExclusion
	}
	if changed {
		g.logger.Info("exclusion set", "user_id", userID, "kind", kind, "until", excl.Until, "set_by", actor)
		g.emit(ctx, domain.NewExclusionEvent(userID, kind, excl.Until, reason))
	}
	return excl, nil
}

// StartSession begins a play session. Starting while active returns the current session.
func (g *Gate) StartSession(ctx context.Context, userID string) (*domain.Session, error) {
	p, err := g.update(ctx, userID, func(p *domain.RiskProfile, now time.Time) error {
		switch p.Session.State {
		case domain.SessionActive:
			return nil
		case domain.SessionExpired, domain.SessionForcedEnded:
			return domain.ErrRiskDenied(domain.ReasonSessionLimit, "")
		}
		g.startSession(p, now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &p.Session, nil
}

func (g *Gate) startSession(p *domain.RiskProfile, now time.Time) {
	p.Session = domain.Session{
		ID:               uuid.NewString(),
		State:            domain.SessionActive,
		StartedAt:        &now,
		LastRealityCheck: &now,
	}
}

// EndSession closes the active session. A forced end starts the cooldown.
func (g *Gate) EndSession(ctx context.Context, userID string, force bool) (*domain.Session, error) {
	p, err := g.update(ctx, userID, func(p *domain.RiskProfile, now time.Time) error {
		if p.Session.State != domain.SessionActive {
			return nil
		}
		state := domain.SessionInactive
		if force {
			state = domain.SessionForcedEnded
		}
		g.endSession(p, now, state)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &p.Session, nil
}

// RealityCheckDue reports whether the active session has gone a full interval
// without an acknowledged reality check.
func (g *Gate) RealityCheckDue(p *domain.RiskProfile, now time.Time) bool {
	s := p.Session
	if s.State != domain.SessionActive || s.LastRealityCheck == nil || g.cfg.RealityCheckInterval <= 0 {
		return false
	}
	return !now.Before(s.LastRealityCheck.Add(g.cfg.RealityCheckInterval))
}

// AcknowledgeRealityCheck resets the reality-check timer.
func (g *Gate) AcknowledgeRealityCheck(ctx context.Context, userID string) (*ProfileView, error) {
	p, err := g.update(ctx, userID, func(p *domain.RiskProfile, now time.Time) error {
		if p.Session.State != domain.SessionActive {
			return domain.ErrValidation("no active session")
		}
		p.Session.LastRealityCheck = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	return g.view(p, g.now()), nil
}

// UpdateIdentity records KYC, age and jurisdiction facts.
func (g *Gate) UpdateIdentity(ctx context.Context, userID string, upd IdentityUpdate) (*ProfileView, error) {
	p, err := g.update(ctx, userID, func(p *domain.RiskProfile, _ time.Time) error {
		if upd.KYCVerified != nil {
			p.KYCVerified = *upd.KYCVerified
		}
		if upd.BirthDate != nil {
			bd := *upd.BirthDate
			p.BirthDate = &bd
		}
		if upd.CountryCode != nil {
			p.CountryCode = *upd.CountryCode
		}
		if upd.CountryEligible != nil {
			p.CountryEligible = *upd.CountryEligible
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return g.view(p, g.now()), nil
}

// Profile returns the user's current risk profile, creating it on first contact.
func (g *Gate) Profile(ctx context.Context, userID string) (*ProfileView, error) {
	p, err := g.update(ctx, userID, func(*domain.RiskProfile, time.Time) error { return nil })
	if err != nil {
		return nil, err
	}
	return g.view(p, g.now()), nil
}

func (g *Gate) view(p *domain.RiskProfile, now time.Time) *ProfileView {
	v := &ProfileView{RiskProfile: p, Totals: Totals(p, now), RealityCheckDue: g.RealityCheckDue(p, now)}
	if p.Session.State == domain.SessionActive && p.Session.StartedAt != nil && g.cfg.MaxSession > 0 {
		v.SessionRemaining = p.Session.StartedAt.Add(g.cfg.MaxSession).Sub(now).Truncate(time.Second).String()
	}
	return v
}

func (g *Gate) emit(ctx context.Context, draft domain.OutboxDraft) {
	if g.events == nil {
		return
	}
	if err := g.events.Emit(ctx, draft); err != nil {
		g.logger.Error("emit risk event", "event_type", draft.EventType, "error", err)
	}
}

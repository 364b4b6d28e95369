package policy

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/attaboy/wagerline/internal/domain"
	"github.com/attaboy/wagerline/internal/repository"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestGate(t *testing.T, cfg GateConfig) (*Gate, *testClock, *repository.MemoryEventSink) {
	t.Helper()
	clock := &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	events := &repository.MemoryEventSink{}
	g := NewGate(repository.NewMemoryDocStore(), events, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	g.SetClock(clock.Now)
	return g, clock, events
}

func TestAssessRisk_AllowsFreshUser(t *testing.T) {
	g, _, _ := newTestGate(t, DefaultGateConfig())
	d, err := g.AssessRisk(context.Background(), "u1", 100, domain.KindStake)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestAssessRisk_RejectsBadInput(t *testing.T) {
	g, _, _ := newTestGate(t, DefaultGateConfig())
	ctx := context.Background()

	_, err := g.AssessRisk(ctx, "u1", -1, domain.KindStake)
	assert.True(t, domain.HasCode(err, domain.CodeValidation))

	_, err = g.AssessRisk(ctx, "u1", 1, domain.StakeKind("bonus"))
	assert.True(t, domain.HasCode(err, domain.CodeValidation))

	_, err = g.AssessRisk(ctx, "", 1, domain.KindStake)
	assert.True(t, domain.HasCode(err, domain.CodeValidation))
}

func TestSelfExclusion_DeniesEverythingUntilExpiry(t *testing.T) {
	g, clock, events := newTestGate(t, DefaultGateConfig())
	ctx := context.Background()

	excl, err := g.SetSelfExclusion(ctx, "u1", 7, "taking a break")
	require.NoError(t, err)
	assert.Equal(t, clock.Now().AddDate(0, 0, 7), excl.Until)
	assert.Len(t, events.OfType(domain.EventExclusionSet), 1)

	var elapsed time.Duration
	for _, offset := range []time.Duration{0, time.Hour, 6 * 24 * time.Hour, 7*24*time.Hour - time.Second} {
		clock.Advance(offset - elapsed)
		elapsed = offset

		d, err := g.AssessRisk(ctx, "u1", 0, domain.KindStake)
		require.NoError(t, err)
		assert.False(t, d.Allowed, "offset %s", offset)
		assert.Equal(t, domain.CodeSelfExcluded, d.Reason)

		d, err = g.AssessRisk(ctx, "u1", 0, domain.KindLoss)
		require.NoError(t, err)
		assert.False(t, d.Allowed)
	}

	clock.Advance(7*24*time.Hour - elapsed)
	d, err := g.AssessRisk(ctx, "u1", 0, domain.KindStake)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	view, err := g.Profile(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, view.SelfExclusion)
}

func TestSelfExclusion_ExpiryWalk(t *testing.T) {
	g, clock, _ := newTestGate(t, DefaultGateConfig())
	ctx := context.Background()

	_, err := g.SetSelfExclusion(ctx, "u1", 7, "")
	require.NoError(t, err)

	// walk the clock forward in six-hour steps through the exclusion
	for i := 0; i < 27; i++ {
		d, err := g.AssessRisk(ctx, "u1", 0, domain.KindStake)
		require.NoError(t, err)
		assert.False(t, d.Allowed, "step %d", i)
		clock.Advance(6 * time.Hour)
	}
	clock.Advance(6 * time.Hour)
	d, err := g.AssessRisk(ctx, "u1", 0, domain.KindStake)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestExclusion_OnlyExtends(t *testing.T) {
	g, clock, events := newTestGate(t, DefaultGateConfig())
	ctx := context.Background()

	first, err := g.SetSelfExclusion(ctx, "u1", 30, "long break")
	require.NoError(t, err)

	second, err := g.SetSelfExclusion(ctx, "u1", 7, "short break")
	require.NoError(t, err)
	assert.Equal(t, first.Until, second.Until)
	assert.Equal(t, "long break", second.Reason)

	clock.Advance(time.Hour)
	third, err := g.SetSelfExclusion(ctx, "u1", 30, "extended")
	require.NoError(t, err)
	assert.True(t, third.Until.After(first.Until))

	assert.Len(t, events.OfType(domain.EventExclusionSet), 2)

	_, err = g.SetSelfExclusion(ctx, "u1", 0, "")
	assert.True(t, domain.HasCode(err, domain.CodeValidation))
}

func TestAdminExclusion_TakesPrecedence(t *testing.T) {
	g, _, _ := newTestGate(t, DefaultGateConfig())
	ctx := context.Background()

	_, err := g.SetSelfExclusion(ctx, "u1", 1, "")
	require.NoError(t, err)
	excl, err := g.SetAdminExclusion(ctx, "u1", 3, "chargeback", "admin-1")
	require.NoError(t, err)
	assert.Equal(t, "admin-1", excl.SetBy)

	d, err := g.AssessRisk(ctx, "u1", 10, domain.KindStake)
	require.NoError(t, err)
	assert.Equal(t, domain.CodeAdminExcluded, d.Reason)
}

func TestAssessRisk_IdentityChecks(t *testing.T) {
	cfg := DefaultGateConfig()
	cfg.Identity = IdentityPolicy{RequireKYC: true, MinAge: 18}
	g, _, _ := newTestGate(t, cfg)
	ctx := context.Background()

	d, err := g.AssessRisk(ctx, "u1", 10, domain.KindStake)
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonKYCRequired, d.Reason)

	verified := true
	birth := time.Date(1990, 5, 1, 0, 0, 0, 0, time.UTC)
	_, err = g.UpdateIdentity(ctx, "u1", IdentityUpdate{KYCVerified: &verified, BirthDate: &birth})
	require.NoError(t, err)

	d, err = g.AssessRisk(ctx, "u1", 10, domain.KindStake)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	eligible := false
	_, err = g.UpdateIdentity(ctx, "u1", IdentityUpdate{CountryEligible: &eligible})
	require.NoError(t, err)
	d, err = g.AssessRisk(ctx, "u1", 10, domain.KindStake)
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonCountryRestricted, d.Reason)
}

func TestAssessRisk_LimitExceeded(t *testing.T) {
	cfg := DefaultGateConfig()
	cfg.Limits = RgLimitPolicy{SingleStakeMax: 500, HourlyStakeMax: 1_000}
	g, clock, _ := newTestGate(t, cfg)
	ctx := context.Background()

	d, err := g.AssessRisk(ctx, "u1", 501, domain.KindStake)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, domain.CodeLimitExceeded, d.Reason)
	assert.Equal(t, domain.LimitSingleStake, d.Limit)
	assert.Equal(t, int64(500), d.LimitValue)

	require.NoError(t, g.RecordStake(ctx, "u1", 400))
	require.NoError(t, g.RecordStake(ctx, "u1", 400))

	d, err = g.AssessRisk(ctx, "u1", 300, domain.KindStake)
	require.NoError(t, err)
	assert.Equal(t, domain.LimitHourlyStake, d.Limit)

	clock.Advance(time.Hour + BucketSize)
	d, err = g.AssessRisk(ctx, "u1", 300, domain.KindStake)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestAssessRisk_LossStreakAutoExcludes(t *testing.T) {
	cfg := DefaultGateConfig()
	cfg.LossStreakThreshold = 3
	cfg.ReviewThreshold = 0
	g, clock, events := newTestGate(t, cfg)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, g.RecordStake(ctx, "u1", 10))
		require.NoError(t, g.RecordOutcome(ctx, "u1", 10, false, 0))
	}

	d, err := g.AssessRisk(ctx, "u1", 10, domain.KindStake)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, domain.ReasonLossStreak, d.Reason)

	view, err := g.Profile(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, view.SelfExclusion)
	assert.Equal(t, domain.AutoLossStreakReason, view.SelfExclusion.Reason)
	assert.Equal(t, clock.Now().Add(24*time.Hour), view.SelfExclusion.Until)
	assert.Zero(t, view.ConsecutiveLosses)

	excl := events.OfType(domain.EventExclusionSet)
	require.Len(t, excl, 1)
	assert.Contains(t, string(excl[0].Payload), domain.AutoLossStreakReason)

	d, err = g.AssessRisk(ctx, "u1", 10, domain.KindStake)
	require.NoError(t, err)
	assert.Equal(t, domain.CodeSelfExcluded, d.Reason)

	clock.Advance(24 * time.Hour)
	d, err = g.AssessRisk(ctx, "u1", 10, domain.KindStake)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestRecordOutcome_WinResetsStreak(t *testing.T) {
	g, _, _ := newTestGate(t, DefaultGateConfig())
	ctx := context.Background()

	require.NoError(t, g.RecordOutcome(ctx, "u1", 10, false, 0))
	require.NoError(t, g.RecordOutcome(ctx, "u1", 10, false, 0))
	require.NoError(t, g.RecordOutcome(ctx, "u1", 10, true, 20))

	view, err := g.Profile(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, view.ConsecutiveLosses)
	assert.Equal(t, int64(20), view.Totals.HourlyLoss)
}

func TestAssessRisk_HighScoreFlagsForReview(t *testing.T) {
	cfg := DefaultGateConfig()
	cfg.Limits = RgLimitPolicy{DailyLossMax: 1_000}
	cfg.LossStreakThreshold = 0
	cfg.ReviewThreshold = 60
	g, _, events := newTestGate(t, cfg)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		require.NoError(t, g.RecordStake(ctx, "u1", 10))
		require.NoError(t, g.RecordOutcome(ctx, "u1", 10, false, 0))
	}
	// loss_chasing and stake_escalation sit exactly at the threshold
	d, err := g.AssessRisk(ctx, "u1", 100, domain.KindStake)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 60, d.Score)

	require.NoError(t, g.RecordStake(ctx, "u1", 500))
	require.NoError(t, g.RecordOutcome(ctx, "u1", 500, false, 0))

	d, err = g.AssessRisk(ctx, "u1", 400, domain.KindStake)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, domain.ReasonRiskReview, d.Reason)
	assert.Greater(t, d.Score, 60)

	view, err := g.Profile(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, view.FlaggedForReview)
	assert.Len(t, events.OfType(domain.EventRiskFlagged), 1)

	// a second denial does not re-flag
	_, err = g.AssessRisk(ctx, "u1", 400, domain.KindStake)
	require.NoError(t, err)
	assert.Len(t, events.OfType(domain.EventRiskFlagged), 1)
}

func TestSession_ExpiresAndCoolsDown(t *testing.T) {
	g, clock, _ := newTestGate(t, DefaultGateConfig())
	ctx := context.Background()

	s, err := g.StartSession(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionActive, s.State)

	again, err := g.StartSession(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, s.ID, again.ID)

	clock.Advance(4 * time.Hour)
	d, err := g.AssessRisk(ctx, "u1", 10, domain.KindStake)
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonSessionLimit, d.Reason)

	_, err = g.StartSession(ctx, "u1")
	assert.True(t, domain.HasCode(err, domain.CodeRiskDenied))

	view, err := g.Profile(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionExpired, view.Session.State)

	clock.Advance(30 * time.Minute)
	d, err = g.AssessRisk(ctx, "u1", 10, domain.KindStake)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestSession_ForcedEndStartsCooldown(t *testing.T) {
	g, clock, _ := newTestGate(t, DefaultGateConfig())
	ctx := context.Background()

	_, err := g.StartSession(ctx, "u1")
	require.NoError(t, err)

	s, err := g.EndSession(ctx, "u1", true)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionForcedEnded, s.State)
	require.NotNil(t, s.CooldownUntil)
	assert.Equal(t, clock.Now().Add(30*time.Minute), *s.CooldownUntil)

	clock.Advance(31 * time.Minute)
	s, err = g.StartSession(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionActive, s.State)

	s, err = g.EndSession(ctx, "u1", false)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionInactive, s.State)
}

func TestRealityCheck(t *testing.T) {
	g, clock, _ := newTestGate(t, DefaultGateConfig())
	ctx := context.Background()

	_, err := g.AcknowledgeRealityCheck(ctx, "u1")
	assert.True(t, domain.HasCode(err, domain.CodeValidation))

	_, err = g.StartSession(ctx, "u1")
	require.NoError(t, err)

	view, err := g.Profile(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, view.RealityCheckDue)
	assert.Equal(t, "4h0m0s", view.SessionRemaining)

	clock.Advance(time.Hour)
	view, err = g.Profile(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, view.RealityCheckDue)

	view, err = g.AcknowledgeRealityCheck(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, view.RealityCheckDue)
}

func TestGate_RedisDocStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	g := NewGate(repository.NewRedisDocStore(client, "test:"), nil, DefaultGateConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				assert.NoError(t, g.RecordStake(ctx, "u1", 5))
			}
		}()
	}
	wg.Wait()

	view, err := g.Profile(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(40), view.StakeCount)
	assert.Equal(t, int64(200), view.Totals.HourlyStake)
	assert.True(t, mr.Exists("test:risk:profile:u1"))
}

func TestReserveStake_CountsOnlyApprovedStakes(t *testing.T) {
	cfg := DefaultGateConfig()
	cfg.Limits = RgLimitPolicy{HourlyStakeMax: 1_000}
	cfg.ReviewThreshold = 0
	g, clock, _ := newTestGate(t, cfg)
	ctx := context.Background()

	d, err := g.ReserveStake(ctx, "u1", 800)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = g.ReserveStake(ctx, "u1", 800)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, domain.LimitHourlyStake, d.Limit)

	view, err := g.Profile(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(800), view.Totals.HourlyStake)
	assert.Equal(t, int64(1), view.StakeCount)
	assert.Equal(t, domain.SessionActive, view.Session.State)

	// the first stake failed downstream and is handed back
	require.NoError(t, g.ReleaseStake(ctx, "u1", 800, clock.Now()))
	view, err = g.Profile(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, view.Totals.HourlyStake)
	assert.Zero(t, view.StakeCount)

	d, err = g.ReserveStake(ctx, "u1", 800)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	_, err = g.ReserveStake(ctx, "u1", 0)
	assert.Equal(t, domain.CodeValidation, domain.CodeOf(err))
}

func TestReserveStake_ConcurrentReservationsShareOneLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	cfg := DefaultGateConfig()
	cfg.Limits = RgLimitPolicy{HourlyStakeMax: 1_000}
	cfg.ReviewThreshold = 0
	g := NewGate(repository.NewRedisDocStore(client, "test:"), nil, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		allowed sync.Map
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := g.ReserveStake(ctx, "u1", 300)
			assert.NoError(t, err)
			if d.Allowed {
				allowed.Store(i, true)
			}
		}(i)
	}
	wg.Wait()

	n := 0
	allowed.Range(func(any, any) bool { n++; return true })
	assert.Equal(t, 3, n, "only three 300 stakes fit under 1000")

	view, err := g.Profile(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(900), view.Totals.HourlyStake)
}

func TestReleaseStake_SkipsLaterBuckets(t *testing.T) {
	g, clock, _ := newTestGate(t, DefaultGateConfig())
	ctx := context.Background()
	placed := clock.Now()

	require.NoError(t, g.RecordStake(ctx, "u1", 100))
	clock.Advance(3 * BucketSize)
	require.NoError(t, g.RecordStake(ctx, "u1", 50))

	require.NoError(t, g.ReleaseStake(ctx, "u1", 100, placed))
	view, err := g.Profile(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), view.Totals.HourlyStake)
}

package coordinator

import (
	"context"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/attaboy/wagerline/internal/domain"
	"github.com/attaboy/wagerline/internal/fairness"
	"github.com/attaboy/wagerline/internal/ledger"
	"github.com/attaboy/wagerline/internal/policy"
	"github.com/attaboy/wagerline/internal/repository"
	"github.com/attaboy/wagerline/internal/scheduler"
	"github.com/google/uuid"
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

type recordingHub struct {
	mu     sync.Mutex
	events map[string][]string
}

func (h *recordingHub) Publish(topic, event string, _ any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.events == nil {
		h.events = make(map[string][]string)
	}
	h.events[topic] = append(h.events[topic], event)
}

func (h *recordingHub) Topic(topic string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.events[topic]...)
}

type fixture struct {
	c      *Coordinator
	ledger *ledger.Engine
	fair   *fairness.Engine
	risk   *policy.Gate
	rounds repository.RoundStore
	sched  *scheduler.Scheduler
	events *repository.MemoryEventSink
	hub    *recordingHub
	clock  *testClock
}

type fixtureOption func(*fixtureConfig)

type fixtureConfig struct {
	cfg    Config
	rounds func(*repository.MemoryRoundStore) repository.RoundStore
	gate   policy.GateConfig
}

func withConfig(fn func(*Config)) fixtureOption {
	return func(fc *fixtureConfig) { fn(&fc.cfg) }
}

func withRoundStore(wrap func(*repository.MemoryRoundStore) repository.RoundStore) fixtureOption {
	return func(fc *fixtureConfig) { fc.rounds = wrap }
}

func withGate(fn func(*policy.GateConfig)) fixtureOption {
	return func(fc *fixtureConfig) { fn(&fc.gate) }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	fc := fixtureConfig{cfg: DefaultConfig(), gate: policy.DefaultGateConfig()}
	fc.cfg.PoolFloat = 100_000
	for _, o := range opts {
		o(&fc)
	}

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	clock := &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	events := &repository.MemoryEventSink{}

	mem := repository.NewMemoryRoundStore()
	var rounds repository.RoundStore = mem
	if fc.rounds != nil {
		rounds = fc.rounds(mem)
	}

	cat, err := fairness.NewCatalogue(0.10, fairness.DefaultGames()...)
	require.NoError(t, err)
	fair := fairness.NewEngine(fairness.Config{MasterSecret: []byte("coordinator-test-master-secret-0123"), DriftGain: 5, DriftBound: 0.10},
		cat, rounds, fairness.NewReaderSeedSource(rand.NewChaCha8([32]byte{9})), events, logger)
	fair.SetClock(clock.Now)

	led := ledger.NewEngine(repository.NewMemoryLedgerStore(), logger, ledger.WithBackoff(0), ledger.WithClock(clock.Now))

	gate := policy.NewGate(repository.NewMemoryDocStore(), events, fc.gate, logger)
	gate.SetClock(clock.Now)

	sched := scheduler.New(scheduler.NewMemoryStore(), logger, scheduler.WithClock(clock.Now))
	hub := &recordingHub{}

	c := New(Deps{
		Ledger:    led,
		Fairness:  fair,
		Risk:      gate,
		Rounds:    rounds,
		Rooms:     repository.NewMemoryDocStore(),
		Scheduler: sched,
		Hub:       hub,
		Events:    events,
	}, fc.cfg, logger)
	c.SetClock(clock.Now)
	require.NoError(t, c.EnsurePools(context.Background()))

	return &fixture{c: c, ledger: led, fair: fair, risk: gate, rounds: rounds, sched: sched, events: events, hub: hub, clock: clock}
}

func (f *fixture) fund(t *testing.T, userID string, amount int64) {
	t.Helper()
	ctx := context.Background()
	_, err := f.c.OpenWallet(ctx, userID)
	require.NoError(t, err)
	_, err = f.ledger.Credit(ctx, domain.UserWalletID(userID), amount, "topup:"+uuid.NewString(), domain.EntryMeta{})
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T, userID string) int64 {
	t.Helper()
	b, err := f.ledger.GetBalance(context.Background(), domain.UserWalletID(userID))
	require.NoError(t, err)
	return b
}

func (f *fixture) runDue(t *testing.T) int {
	t.Helper()
	n, err := f.sched.RunDue(context.Background())
	require.NoError(t, err)
	return n
}

func (f *fixture) audit(t *testing.T) {
	t.Helper()
	report, err := f.ledger.Audit(context.Background())
	require.NoError(t, err)
	require.True(t, report.AllPassed, "%+v", report.Invariants)
}

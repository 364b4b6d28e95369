package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/attaboy/wagerline/internal/auth"
	"github.com/attaboy/wagerline/internal/guard"
	"github.com/attaboy/wagerline/internal/handler"
	"github.com/attaboy/wagerline/internal/infra"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	t   *testing.T
	srv *httptest.Server
	jwt *auth.JWTManager
	svc *Services
}

func newTestServer(t *testing.T, limiter *guard.RateLimiter) *testServer {
	t.Helper()
	cfg, err := infra.LoadConfig()
	require.NoError(t, err)
	cfg.Storage = "memory"
	cfg.PoolFloat = 100_000
	cfg.FairnessMasterSecret = "wire-test-master-secret-0123456789"

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	svc, err := BuildServices(cfg, MemoryStores(), logger)
	require.NoError(t, err)
	require.NoError(t, svc.Coordinator.EnsurePools(context.Background()))

	jwtMgr := auth.NewJWTManager("wire-test-jwt-secret-0123456789abcdef", time.Hour, time.Hour)
	router := NewRouter(RouterDeps{
		Services:       svc,
		JWTMgr:         jwtMgr,
		Logger:         logger,
		AllowedOrigins: "*",
		HealthChecks: []handler.HealthCheck{
			{Name: "memory", Check: func(context.Context) error { return nil }},
		},
		PlayLimiter: limiter,
	})
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		svc.Hub.Shutdown(context.Background())
		srv.Close()
	})
	return &testServer{t: t, srv: srv, jwt: jwtMgr, svc: svc}
}

func (s *testServer) playerToken(userID string) string {
	tok, err := s.jwt.GenerateToken(auth.RealmPlayer, userID, "")
	require.NoError(s.t, err)
	return tok
}

func (s *testServer) adminToken(adminID, role string) string {
	tok, err := s.jwt.GenerateToken(auth.RealmAdmin, adminID, role)
	require.NoError(s.t, err)
	return tok
}

func (s *testServer) do(method, path, token string, body any) (int, map[string]any) {
	s.t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(s.t, err)
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.srv.URL+path, rdr)
	require.NoError(s.t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(s.t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(s.t, err)
	if len(raw) > 0 {
		require.NoError(s.t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func (s *testServer) fund(userID string, amount int64) {
	s.t.Helper()
	status, body := s.do(http.MethodPost, "/admin/wallets/user:"+userID+"/credit", s.adminToken("ops", auth.RoleAdmin), map[string]any{
		"amount":          amount,
		"idempotency_key": "fund-" + userID,
	})
	require.Equal(s.t, http.StatusOK, status, body)
}

func TestRouter_HealthAndGames(t *testing.T) {
	s := newTestServer(t, nil)

	status, body := s.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "healthy", body["status"])

	status, body = s.do(http.MethodGet, "/games", "", nil)
	require.Equal(t, http.StatusOK, status)
	games, ok := body["games"].([]any)
	require.True(t, ok)
	assert.Len(t, games, 3)
}

func TestRouter_AuthRealms(t *testing.T) {
	s := newTestServer(t, nil)

	status, body := s.do(http.MethodGet, "/wallet/balance", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "unauthorized", body["code"])

	// admin tokens are not player tokens and vice versa
	status, _ = s.do(http.MethodGet, "/wallet/balance", s.adminToken("ops", auth.RoleAdmin), nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	status, _ = s.do(http.MethodGet, "/admin/ledger/audit", s.playerToken("alice"), nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	// viewers read but cannot write
	viewer := s.adminToken("auditor", auth.RoleViewer)
	status, _ = s.do(http.MethodGet, "/admin/ledger/audit", viewer, nil)
	assert.Equal(t, http.StatusOK, status)
	status, body = s.do(http.MethodPost, "/admin/wallets/user:alice/credit", viewer, map[string]any{"amount": 10, "idempotency_key": "k"})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "forbidden", body["code"])
}

func TestRouter_PlayFlow(t *testing.T) {
	s := newTestServer(t, nil)
	alice := s.playerToken("alice")
	s.fund("alice", 1_000)

	status, body := s.do(http.MethodGet, "/wallet/balance", alice, nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1_000, body["balance"])
	assert.Equal(t, "user:alice", body["wallet_id"])

	// the same idempotency key does not credit twice
	s.fund("alice", 1_000)
	_, body = s.do(http.MethodGet, "/wallet/balance", alice, nil)
	assert.EqualValues(t, 1_000, body["balance"])

	status, body = s.do(http.MethodPost, "/plays", alice, map[string]any{"game_id": "coinflip", "amount": 100, "choice": "heads"})
	require.Equal(t, http.StatusCreated, status, body)
	roundID, _ := body["round_id"].(string)
	require.NotEmpty(t, roundID)
	assert.EqualValues(t, 1, body["nonce"])

	_, body = s.do(http.MethodGet, "/wallet/balance", alice, nil)
	assert.EqualValues(t, 900, body["balance"])

	status, body = s.do(http.MethodPost, "/plays", alice, map[string]any{"round_id": roundID, "amount": 100, "choice": "edge"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_choice", body["code"])

	status, body = s.do(http.MethodPost, "/plays", alice, map[string]any{"round_id": roundID, "amount": 5_000, "choice": "tails"})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "insufficient_balance", body["code"])

	status, body = s.do(http.MethodGet, "/wallet/history?category=stake", alice, nil)
	require.Equal(t, http.StatusOK, status)
	entries, _ := body["entries"].([]any)
	assert.Len(t, entries, 1)

	// an open round publishes its commitment but never its seed
	status, body = s.do(http.MethodGet, "/rounds/"+roundID, "", nil)
	require.Equal(t, http.StatusOK, status)
	round, _ := body["round"].(map[string]any)
	assert.NotEmpty(t, round["commitment"])
	assert.Empty(t, round["server_seed"])

	status, body = s.do(http.MethodGet, "/admin/ledger/audit", s.adminToken("ops", auth.RoleAdmin), nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["all_passed"])
}

func TestRouter_SelfExclusionBlocksPlay(t *testing.T) {
	s := newTestServer(t, nil)
	bob := s.playerToken("bob")
	s.fund("bob", 1_000)

	status, body := s.do(http.MethodPost, "/risk/self-exclusion", bob, map[string]any{"days": 7, "reason": "break"})
	require.Equal(t, http.StatusOK, status, body)

	status, body = s.do(http.MethodPost, "/plays", bob, map[string]any{"game_id": "coinflip", "amount": 100, "choice": "heads"})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "self_excluded", body["code"])

	status, body = s.do(http.MethodGet, "/admin/risk/bob", s.adminToken("ops", auth.RoleViewer), nil)
	require.Equal(t, http.StatusOK, status)
	assert.NotNil(t, body["self_exclusion"])
}

func TestRouter_RiskOfficerScope(t *testing.T) {
	s := newTestServer(t, nil)
	officer := s.adminToken("rg-desk", auth.RoleRiskOfficer)
	dave := s.playerToken("dave")
	s.fund("dave", 1_000)

	status, body := s.do(http.MethodPost, "/admin/risk/dave/exclusion", officer, map[string]any{"days": 30, "reason": "affordability"})
	require.Equal(t, http.StatusOK, status, body)

	status, body = s.do(http.MethodPost, "/plays", dave, map[string]any{"game_id": "coinflip", "amount": 100, "choice": "heads"})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "admin_excluded", body["code"])

	// risk officers cannot move coins or halt games
	status, _ = s.do(http.MethodPost, "/admin/wallets/user:dave/credit", officer, map[string]any{"amount": 10, "idempotency_key": "k"})
	assert.Equal(t, http.StatusForbidden, status)
	status, _ = s.do(http.MethodPost, "/admin/games/wheel/halt", officer, map[string]any{"reason": "x"})
	assert.Equal(t, http.StatusForbidden, status)
}

func TestRouter_AdminHaltAndClear(t *testing.T) {
	s := newTestServer(t, nil)
	admin := s.adminToken("ops", auth.RoleAdmin)
	carol := s.playerToken("carol")
	s.fund("carol", 1_000)

	status, _ := s.do(http.MethodPost, "/admin/games/nope/halt", admin, map[string]any{"reason": "x"})
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = s.do(http.MethodPost, "/admin/games/wheel/halt", admin, map[string]any{"reason": "drift review"})
	require.Equal(t, http.StatusOK, status)

	status, body := s.do(http.MethodPost, "/plays", carol, map[string]any{"game_id": "wheel", "amount": 100, "choice": "red"})
	assert.Equal(t, http.StatusLocked, status)
	assert.Equal(t, "game_halted", body["code"])

	status, _ = s.do(http.MethodPost, "/admin/games/wheel/clear-halt", admin, nil)
	require.Equal(t, http.StatusOK, status)

	status, body = s.do(http.MethodGet, "/admin/games/wheel/stats", admin, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["halted"])

	status, body = s.do(http.MethodPost, "/plays", carol, map[string]any{"game_id": "wheel", "amount": 100, "choice": "red"})
	assert.Equal(t, http.StatusCreated, status, body)
}

func TestRouter_PlayRateLimit(t *testing.T) {
	s := newTestServer(t, guard.NewRateLimiter(1, time.Minute))
	dave := s.playerToken("dave")
	s.fund("dave", 1_000)

	status, _ := s.do(http.MethodPost, "/plays", dave, map[string]any{"game_id": "coinflip", "amount": 10, "choice": "heads"})
	require.Equal(t, http.StatusCreated, status)
	status, body := s.do(http.MethodPost, "/plays", dave, map[string]any{"game_id": "coinflip", "amount": 10, "choice": "heads"})
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, "rate_limited", body["code"])
}

func TestRouter_RoomsAndFeed(t *testing.T) {
	s := newTestServer(t, nil)
	host := s.playerToken("host")
	guest := s.playerToken("guest")
	s.fund("guest", 1_000)

	status, room := s.do(http.MethodPost, "/rooms", host, map[string]any{"game_id": "duel", "max_players": 4})
	require.Equal(t, http.StatusCreated, status, room)
	roomID, _ := room["id"].(string)
	require.NotEmpty(t, roomID)
	assert.Equal(t, "host", room["host_id"])
	assert.Equal(t, "waiting", room["status"])

	status, body := s.do(http.MethodGet, "/rooms/does-not-exist", host, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", body["code"])

	wsURL := "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/rooms/" + roomID + "/ws?access_token=" + host
	ws, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer ws.Close()

	readEvent := func() string {
		t.Helper()
		require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
		var msg struct {
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
		}
		require.NoError(t, ws.ReadJSON(&msg))
		return msg.Event
	}
	assert.Equal(t, "room.snapshot", readEvent())

	status, body = s.do(http.MethodPost, "/rooms/"+roomID+"/join", guest, map[string]any{"amount": 50, "choice": "strike"})
	require.Equal(t, http.StatusOK, status, body)
	players, _ := body["players"].([]any)
	assert.Len(t, players, 1)

	// the stake lands on the round topic before the seat shows up on the room topic
	var seen []string
	for len(seen) < 4 {
		ev := readEvent()
		seen = append(seen, ev)
		if ev == "room.updated" {
			break
		}
	}
	assert.Equal(t, []string{"stake.placed", "room.updated"}, seen)

	status, _ = s.do(http.MethodPost, "/rooms/"+roomID+"/start", guest, nil)
	assert.Equal(t, http.StatusForbidden, status, "only the host starts the game")

	status, body = s.do(http.MethodPost, "/rooms/"+roomID+"/leave", guest, nil)
	require.Equal(t, http.StatusOK, status, body)
	_, bal := s.do(http.MethodGet, "/wallet/balance", guest, nil)
	assert.EqualValues(t, 1_000, bal["balance"], "leaving before start refunds the stake")
	assert.Equal(t, "abandoned", body["status"])

	status, _ = s.do(http.MethodGet, "/rooms/"+roomID, guest, nil)
	assert.Equal(t, http.StatusNotFound, status, "the last player out deletes the room")
}

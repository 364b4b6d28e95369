package app

import (
	"log/slog"
	"time"

	"github.com/attaboy/wagerline/internal/auth"
	"github.com/attaboy/wagerline/internal/guard"
	"github.com/attaboy/wagerline/internal/handler"
	adminhandler "github.com/attaboy/wagerline/internal/handler/admin"
	"github.com/attaboy/wagerline/internal/infra"
	"github.com/go-chi/chi/v5"
)

// RouterDeps holds all dependencies needed by NewRouter.
type RouterDeps struct {
	Services       *Services
	JWTMgr         *auth.JWTManager
	Logger         *slog.Logger
	AllowedOrigins string
	HealthChecks   []handler.HealthCheck
	// PlayLimiter throttles stake submissions and room joins per player.
	// Nil gets a default of 30 per minute.
	PlayLimiter *guard.RateLimiter
}

// NewRouter assembles the chi.Router with all routes and middleware.
func NewRouter(deps RouterDeps) chi.Router {
	svc := deps.Services
	jwtMgr := deps.JWTMgr
	logger := deps.Logger

	limiter := deps.PlayLimiter
	if limiter == nil {
		limiter = guard.NewRateLimiter(30, time.Minute)
	}

	// Handlers
	gameHandler := handler.NewGameHandler(svc.Coordinator, svc.Fairness)
	walletHandler := handler.NewWalletHandler(svc.Coordinator, svc.Ledger)
	roomHandler := handler.NewRoomHandler(svc.Coordinator, svc.Hub, infra.NewUpgrader(deps.AllowedOrigins), logger)
	riskHandler := handler.NewRiskHandler(svc.Risk)

	// Admin handlers
	riskAdmin := adminhandler.NewRiskAdminHandler(svc.Risk)
	gameAdmin := adminhandler.NewGameAdminHandler(svc.Coordinator, svc.Fairness)
	ledgerAdmin := adminhandler.NewLedgerAdminHandler(svc.Ledger)

	// Router
	r := chi.NewRouter()

	// Global middleware (order matters)
	r.Use(handler.Recovery(logger))
	r.Use(handler.RequestID)
	r.Use(handler.RequestLogger(logger))
	r.Use(handler.CORSWithOrigins(deps.AllowedOrigins))
	r.Use(handler.JSONContentType)

	// Health (no auth)
	r.Get("/health", handler.HealthHandler(deps.HealthChecks...))

	// Public game data: round history and verification are open to anyone.
	r.Get("/games", gameHandler.ListGames)
	r.Get("/games/{gameID}/rounds", gameHandler.ListRounds)
	r.Get("/rounds/{roundID}", gameHandler.GetRound)
	r.Get("/rounds/{roundID}/verify", gameHandler.VerifyRound)

	// Player-authenticated routes
	r.Group(func(r chi.Router) {
		r.Use(auth.AuthenticatePlayer(jwtMgr))

		r.With(handler.RateLimit(limiter)).Post("/plays", gameHandler.SubmitPlay)

		r.Route("/wallet", func(r chi.Router) {
			r.Get("/balance", walletHandler.GetBalance)
			r.Get("/history", walletHandler.GetHistory)
		})

		r.Route("/rooms", func(r chi.Router) {
			r.Get("/", roomHandler.ListRooms)
			r.Post("/", roomHandler.CreateRoom)
			r.Route("/{roomID}", func(r chi.Router) {
				r.Get("/", roomHandler.GetRoom)
				r.With(handler.RateLimit(limiter)).Post("/join", roomHandler.JoinRoom)
				r.Post("/leave", roomHandler.LeaveRoom)
				r.Post("/ready", roomHandler.SetReady)
				r.Post("/start", roomHandler.StartGame)
				r.Post("/actions", roomHandler.RecordAction)
				r.Post("/state", roomHandler.UpdateState)
				r.Post("/end", roomHandler.EndGame)
				r.Get("/ws", roomHandler.Stream)
			})
		})

		r.Route("/risk", func(r chi.Router) {
			r.Get("/profile", riskHandler.GetProfile)
			r.Post("/self-exclusion", riskHandler.SetSelfExclusion)
			r.Post("/session/start", riskHandler.StartSession)
			r.Post("/session/end", riskHandler.EndSession)
			r.Post("/reality-check", riskHandler.AcknowledgeRealityCheck)
		})
	})

	// Admin-authenticated routes
	r.Route("/admin", func(r chi.Router) {
		r.Use(auth.AuthenticateAdmin(jwtMgr))

		r.Route("/risk/{userID}", func(r chi.Router) {
			r.Get("/", riskAdmin.GetProfile)
			r.Group(func(r chi.Router) {
				r.Use(auth.RequireRole(auth.RiskRoles()...))
				r.Post("/exclusion", riskAdmin.SetExclusion)
				r.Post("/identity", riskAdmin.UpdateIdentity)
				r.Post("/session/end", riskAdmin.EndSession)
			})
		})

		r.Route("/games/{gameID}", func(r chi.Router) {
			r.Get("/stats", gameAdmin.GetStats)
			r.Group(func(r chi.Router) {
				r.Use(auth.RequireRole(auth.WriteRoles()...))
				r.Post("/halt", gameAdmin.Halt)
				r.Post("/clear-halt", gameAdmin.ClearHalt)
			})
		})

		r.Get("/ledger/audit", ledgerAdmin.Audit)
		r.Route("/wallets/{walletID}", func(r chi.Router) {
			r.Get("/replay", ledgerAdmin.Replay)
			r.With(auth.RequireRole(auth.WriteRoles()...)).Post("/credit", ledgerAdmin.Credit)
		})
	})

	return r
}

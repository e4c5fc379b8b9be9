package http

import (
	"log/slog"
	"time"

	"qris-pos/internal/config"
	"qris-pos/internal/database"
	"qris-pos/internal/gateway"
	"qris-pos/internal/http/handlers"
	"qris-pos/internal/http/middleware"
	"qris-pos/internal/service"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

type Dependencies struct {
	Config       *config.Config
	Transactions service.TransactionService
	Gateways     *gateway.Registry
	DB           database.Service
	Logger       *slog.Logger
	RateLimiter  *middleware.RateLimiter
}

func NewRouter(deps Dependencies) *gin.Engine {
	router := gin.New()
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(deps.Logger))
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     deps.Config.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	txHandler := handlers.NewTransactionHandler(deps.Transactions, deps.Config.Sandbox())
	webhookHandler := handlers.NewWebhookHandler(deps.Transactions, deps.Gateways, deps.Logger)
	healthHandler := handlers.NewHealthHandler(deps.DB, deps.Config.Sandbox())

	router.GET("/healthz", healthHandler.Health)

	router.POST("/create-transaction", deps.RateLimiter.Middleware(), txHandler.Create)
	router.GET("/check-status/:orderId", txHandler.CheckStatus)
	router.POST("/simulate-payment/:orderId", txHandler.Simulate)

	// Providers deliver callbacks here; the path segment selects the
	// verifying gateway.
	router.POST("/webhook/:provider", webhookHandler.Handle)

	return router
}

// README: HTTP router registration.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"dispatch/internal/http/handlers"
	"dispatch/internal/http/middleware"
	"dispatch/internal/infra"
	"dispatch/internal/logger"
	"dispatch/internal/maps"
	"dispatch/internal/metrics"
	"dispatch/internal/modules/assignment"
	"dispatch/internal/modules/availability"
	"dispatch/internal/modules/ledger"
	"dispatch/internal/modules/order"
	"dispatch/internal/modules/payout"
	"dispatch/internal/types"
)

type RouterDeps struct {
	Orders       *order.Service
	Assignment   *assignment.Service
	Availability *availability.Service
	Ledger       *ledger.Service
	Payouts      *payout.Service
	Geocoder     maps.Geocoder
	Verifier     infra.IdentityVerifier
	Registry     *prometheus.Registry
	Log          logger.ILogger
}

func NewRouter(deps RouterDeps) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(
		middleware.Recovery(deps.Log),
		middleware.Logging(deps.Log),
		middleware.Metrics(),
	)

	engine.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	if deps.Registry != nil {
		engine.GET("/metrics", gin.WrapH(metrics.Handler(deps.Registry)))
	}

	api := engine.Group("/api", middleware.Auth(deps.Verifier))

	orderHandler := handlers.NewOrderHandler(deps.Orders, deps.Assignment, deps.Geocoder)
	api.POST("/orders", orderHandler.Create)
	api.GET("/orders/:id", orderHandler.Get)
	api.GET("/orders/:id/events", orderHandler.Events)
	api.POST("/orders/:id/dispatch", orderHandler.Dispatch)
	api.POST("/orders/:id/start", middleware.RequireRole(types.RoleDriver), orderHandler.Start)
	api.POST("/orders/:id/complete", middleware.RequireRole(types.RoleDriver), orderHandler.Complete)
	api.POST("/orders/:id/cancel", orderHandler.Cancel)
	api.POST("/orders/:id/refund", orderHandler.RequestRefund)
	api.POST("/orders/:id/refund/resolve", middleware.RequireRole(types.RoleAdmin), orderHandler.ResolveRefund)

	driverHandler := handlers.NewDriverHandler(deps.Availability, deps.Payouts)
	api.PUT("/drivers/:id/location", driverHandler.UpdateLocation)
	api.POST("/drivers/:id/availability", driverHandler.SetAvailability)
	api.GET("/drivers/:id", driverHandler.Get)
	api.GET("/drivers/:id/payouts", driverHandler.Payouts)

	walletHandler := handlers.NewWalletHandler(deps.Ledger)
	api.GET("/wallets/:id", walletHandler.Get)
	api.POST("/wallets/:id/cashout", walletHandler.CashOut)
	api.GET("/orders/:id/transactions", walletHandler.OrderTransactions)

	return engine
}

package admin

import (
	"github.com/gin-gonic/gin"
	"github.com/ksred/p2p-bridge/internal/auth"
	"github.com/ksred/p2p-bridge/pkg/middleware"
)

// SetupRoutes registers the operator API:
//   - /api/v1/auth: token issue, public
//   - /api/v1/health: liveness, public
//   - everything else: JWT protected
func SetupRoutes(
	router *gin.Engine,
	authHandlers *auth.GinHandlers,
	handlers *GinHandlers,
	jwtSecret string,
	limiter *middleware.RateLimiter,
) {
	router.Use(middleware.Logger())
	if limiter != nil {
		router.Use(limiter.Handler())
	}

	v1 := router.Group("/api/v1")
	{
		v1.POST("/auth/token", authHandlers.GenerateTokenHandler())
		v1.GET("/health", handlers.HealthHandler())

		protected := v1.Group("")
		protected.Use(middleware.JWTAuth(jwtSecret))
		{
			protected.GET("/status", handlers.StatusHandler())
			protected.PUT("/auto-mode", handlers.SetAutoModeHandler())

			orders := protected.Group("/orders")
			orders.GET("", handlers.ListOrdersHandler())
			orders.GET("/:order_id", handlers.GetOrderHandler())
			orders.POST("/:order_id/approve", handlers.ApproveOrderHandler())
			orders.POST("/:order_id/reject", handlers.RejectOrderHandler())
			orders.POST("/:order_id/receipt", handlers.SubmitReceiptHandler())

			accs := protected.Group("/accounts")
			accs.GET("", handlers.ListAccountsHandler())
			accs.POST("/bybit/:account_id/suspend", handlers.SuspendAccountHandler())
			accs.POST("/bybit/:account_id/resume", handlers.ResumeAccountHandler())
			accs.PUT("/gate/:account_id/balance", handlers.SetBalanceHandler())
		}
	}
}

// NewRouter builds a gin engine with recovery and the operator routes.
func NewRouter(authService *auth.Service, handlers *GinHandlers, jwtSecret string, limiter *middleware.RateLimiter) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	SetupRoutes(router, auth.NewGinHandlers(authService), handlers, jwtSecret, limiter)
	return router
}

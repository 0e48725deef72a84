package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tgsuite/backend/internal/api/handlers"
	"github.com/tgsuite/backend/internal/auth"
	"github.com/tgsuite/backend/internal/health"
	"github.com/tgsuite/backend/internal/logger"
	"github.com/tgsuite/backend/internal/models"
	"github.com/tgsuite/backend/internal/services"
	"github.com/tgsuite/backend/internal/websocket"
)

// Server is the HTTP surface of the backend
type Server struct {
	router   *gin.Engine
	services *services.Container
	checker  *health.Checker
	limiter  *auth.RateLimiter
	httpSrv  *http.Server
}

func NewServer(svc *services.Container, checker *health.Checker) *Server {
	if svc.Config.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	server := &Server{
		router:   gin.New(),
		services: svc,
		checker:  checker,
		limiter:  auth.NewRateLimiter(svc.Redis),
	}

	server.setupRoutes()
	return server
}

func (s *Server) setupRoutes() {
	s.router.Use(logger.GinMiddleware())
	s.router.Use(logger.GinRecovery())
	s.router.Use(s.cors())

	if s.checker != nil {
		s.checker.RegisterRoutes(s.router)
	}

	v1 := s.router.Group("/api/v1")
	{
		// Auth routes (public, strictly rate limited)
		authGroup := v1.Group("/auth")
		authGroup.Use(auth.RateLimitMiddleware(s.limiter, auth.RateLimitAuth))
		{
			authHandler := handlers.NewAuthHandler(s.services)
			authGroup.POST("/register", authHandler.Register)
			authGroup.POST("/login", authHandler.Login)
			authGroup.POST("/refresh", authHandler.RefreshToken)
		}

		// Protected routes
		protected := v1.Group("")
		protected.Use(auth.Middleware(s.services.Config.JWTSecret))
		protected.Use(auth.UserRateLimitMiddleware(s.limiter, auth.RateLimitDefault))
		{
			accounts := protected.Group("/accounts")
			{
				accountHandler := handlers.NewAccountHandler(s.services)
				accounts.GET("", accountHandler.List)
				accounts.POST("", accountHandler.Register)
				accounts.GET("/:id", accountHandler.Get)
				accounts.PUT("/:id", accountHandler.Update)
				accounts.DELETE("/:id", auth.RequireRole(string(models.RoleAdmin)), accountHandler.Remove)
				accounts.POST("/:id/connect", accountHandler.Connect)
				accounts.POST("/:id/disconnect", accountHandler.Disconnect)
			}

			proxies := protected.Group("/proxies")
			{
				proxyHandler := handlers.NewProxyHandler(s.services)
				proxies.GET("", proxyHandler.List)
				proxies.POST("", proxyHandler.Create)
				proxies.GET("/:id", proxyHandler.Get)
				proxies.DELETE("/:id", auth.RequireRole(string(models.RoleAdmin)), proxyHandler.Delete)
				proxies.POST("/:id/test", proxyHandler.Test)
			}

			tasks := protected.Group("/tasks")
			{
				taskHandler := handlers.NewTaskHandler(s.services)
				writeLimit := auth.UserRateLimitMiddleware(s.limiter, auth.RateLimitWrite)
				tasks.GET("", taskHandler.List)
				tasks.POST("", writeLimit, taskHandler.Create)
				tasks.POST("/bulk", writeLimit, taskHandler.CreateBulk)
				tasks.GET("/stats", taskHandler.Stats)
				tasks.GET("/:id", taskHandler.Get)
				tasks.POST("/:id/cancel", taskHandler.Cancel)
				tasks.GET("/:id/progress", taskHandler.Progress)
			}

			billing := protected.Group("/organization")
			{
				billingHandler := handlers.NewBillingHandler(s.services)
				billing.GET("", billingHandler.GetOrganization)
				billing.GET("/usage", billingHandler.Usage)
				billing.GET("/limits", billingHandler.Limits)
			}

			activity := protected.Group("/activity")
			{
				activityHandler := handlers.NewActivityHandler(s.services)
				activity.GET("", auth.UserRateLimitMiddleware(s.limiter, auth.RateLimitRead), activityHandler.List)
			}
		}

		// WebSocket endpoint authenticates via token query param
		v1.GET("/ws", func(c *gin.Context) {
			websocket.ServeWs(s.services.WSHub, c.Writer, c.Request, s.services.Config.JWTSecret)
		})
	}
}

func (s *Server) cors() gin.HandlerFunc {
	origin := s.services.Config.CORSOrigin
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// Router exposes the gin engine for tests
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Run starts the HTTP listener and blocks until it fails or is shut down
func (s *Server) Run(addr string) error {
	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return s.httpSrv.ListenAndServe()
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

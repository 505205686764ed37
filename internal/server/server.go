// Package server exposes the invoice API and the gateway callbacks over HTTP.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"epay-reconciler/internal/service"
)

// HealthChecker reports the state of the backing database.
type HealthChecker interface {
	Health(ctx context.Context) map[string]string
}

type Options struct {
	CORSOrigins []string
	// PostbackRate and PostbackBurst throttle the gateway callbacks.
	PostbackRate  float64
	PostbackBurst int
}

type Server struct {
	epayment service.Epayment
	health   HealthChecker
	logger   logrus.FieldLogger
	limiter  *rate.Limiter
	router   *gin.Engine
}

func New(epayment service.Epayment, health HealthChecker, opts Options, logger logrus.FieldLogger) *Server {
	if opts.PostbackRate <= 0 {
		opts.PostbackRate = 20
	}
	if opts.PostbackBurst <= 0 {
		opts.PostbackBurst = 40
	}

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))

	s := &Server{
		epayment: epayment,
		health:   health,
		logger:   logger,
		limiter:  rate.NewLimiter(rate.Limit(opts.PostbackRate), opts.PostbackBurst),
		router:   router,
	}

	// registered on the engine so that preflight requests without a route reach it
	if len(opts.CORSOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     opts.CORSOrigins,
			AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	router.GET("/health", s.handleHealth)

	api := router.Group("/api")
	{
		api.POST("/invoices", s.handleAcceptInvoice)
		api.GET("/invoices/:number", s.handleInvoice)
		api.GET("/invoices/:number/payment-form", s.handlePaymentForm)
		api.POST("/invoices/:number/manual-payment", s.handleManualPayment)
		api.POST("/invoices/:number/cancel", s.handleCancelInvoice)
	}

	gateway := router.Group("/epay", s.rateLimit)
	{
		gateway.POST("/postback", s.handlePostback)
		gateway.POST("/failure", s.handleFailure)
	}

	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// rateLimit rejects gateway callbacks above the configured rate. The gateway
// redelivers rejected postbacks.
func (s *Server) rateLimit(c *gin.Context) {
	if !s.limiter.Allow() {
		s.logger.WithField("path", c.FullPath()).Warn("gateway callback rate limit exceeded")
		c.AbortWithStatus(http.StatusTooManyRequests)
		return
	}
	c.Next()
}

func requestLogger(logger logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start),
			"client":   c.ClientIP(),
		}).Debug("request")
	}
}

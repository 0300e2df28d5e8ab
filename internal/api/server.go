// Package api gin HTTP 适配层：路由、JWT 身份、错误映射、支付回调与状态推送
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/panditbooking/booking/internal/booking"
	"github.com/panditbooking/booking/internal/service"
	"github.com/panditbooking/booking/pkg/auth"
	commonerrors "github.com/panditbooking/booking/pkg/errors"
	"github.com/panditbooking/booking/pkg/health"
	"github.com/panditbooking/booking/pkg/logger"
	"github.com/panditbooking/booking/pkg/response"
	"github.com/panditbooking/booking/pkg/tracing"
)

// Bookings 预订编排服务（*service.Orchestrator）
type Bookings interface {
	Reserve(ctx context.Context, actor booking.Actor, req service.ReserveRequest) (*booking.Booking, error)
	InitiatePayment(ctx context.Context, id uuid.UUID, actor booking.Actor) (*service.PaymentOrder, error)
	ConfirmPayment(ctx context.Context, id uuid.UUID, actor booking.Actor, req service.ConfirmRequest) (*booking.Booking, error)
	Accept(ctx context.Context, id uuid.UUID, actor booking.Actor) (*booking.Booking, error)
	Decline(ctx context.Context, id uuid.UUID, actor booking.Actor, reason string) (*booking.Booking, error)
	Complete(ctx context.Context, id uuid.UUID, actor booking.Actor) (*booking.Booking, error)
	Cancel(ctx context.Context, id uuid.UUID, actor booking.Actor, reason string) (*booking.Booking, error)
	Get(ctx context.Context, id uuid.UUID, actor booking.Actor) (*booking.Booking, error)
	List(ctx context.Context, actor booking.Actor, q service.ListQuery) (*service.Page, error)
	AuditTrail(ctx context.Context, id uuid.UUID, actor booking.Actor) (*service.AuditTrail, error)
	QueryAudit(ctx context.Context, actor booking.Actor, q service.AuditQuery) ([]booking.AuditEntry, error)
	AdminRefund(ctx context.Context, paymentID uuid.UUID, actor booking.Actor, req service.AdminRefundRequest) (*service.RefundOrder, error)
	PaymentHistory(ctx context.Context, actor booking.Actor, q service.PaymentQuery) ([]*booking.Payment, error)
	HandleWebhook(ctx context.Context, body []byte, header http.Header) error
}

// Feed 预订状态的 websocket 推送（*ws.Feed）
type Feed interface {
	Serve(w http.ResponseWriter, r *http.Request, bookingID uuid.UUID, snapshot []byte)
}

// Options 路由依赖；Feed/Health/Metrics 为空时不注册对应路由
type Options struct {
	Tokens         *auth.TokenManager
	Feed           Feed
	Health         *health.Health
	Metrics        http.Handler
	AllowedOrigins []string
	RateLimit      int
	RateWindow     time.Duration
	Log            *logger.Logger
}

type server struct {
	svc    Bookings
	tokens *auth.TokenManager
	feed   Feed
	log    *logger.Logger
}

// NewHandler 构建 gin 引擎，并在外层套上 request id、tracing 与 panic 恢复
func NewHandler(svc Bookings, opts Options) http.Handler {
	if opts.Log == nil {
		opts.Log = logger.Nop()
	}
	s := &server{svc: svc, tokens: opts.Tokens, feed: opts.Feed, log: opts.Log}

	r := gin.New()
	if c, ok := corsConfig(opts.AllowedOrigins); ok {
		r.Use(cors.New(c))
	}
	r.NoRoute(func(c *gin.Context) {
		response.WriteErrorCode(c.Writer, c.Request, commonerrors.CodeNotFound, "route not found")
	})

	if opts.Health != nil {
		r.GET("/health/live", gin.WrapF(opts.Health.LiveHandler()))
		r.GET("/health/ready", gin.WrapF(opts.Health.ReadyHandler()))
		r.GET("/health", gin.WrapF(opts.Health.HealthHandler()))
	}
	if opts.Metrics != nil {
		r.GET("/metrics", gin.WrapH(opts.Metrics))
	}

	// 网关回调不带 JWT，由签名校验
	r.POST("/payments/webhook", s.webhook)

	secured := r.Group("")
	secured.Use(s.authenticate())
	if opts.RateLimit > 0 {
		secured.Use(rateLimit(newRateLimiter(opts.RateLimit, opts.RateWindow)))
	}
	{
		secured.POST("/bookings", s.reserve)
		secured.GET("/bookings", s.list)
		secured.GET("/bookings/:id", s.get)
		secured.POST("/bookings/:id/payment", s.initiatePayment)
		secured.POST("/bookings/:id/payment-confirmed", s.confirmPayment)
		secured.POST("/bookings/:id/accept", s.accept)
		secured.POST("/bookings/:id/decline", s.decline)
		secured.POST("/bookings/:id/complete", s.complete)
		secured.POST("/bookings/:id/cancel", s.cancel)
		secured.GET("/bookings/:id/audit", s.auditTrail)
		secured.GET("/audit", s.queryAudit)
		secured.GET("/payments/history", s.paymentHistory)
		secured.POST("/payments/:id/refund", s.refund)
		if s.feed != nil {
			secured.GET("/bookings/:id/events", s.events)
		}
	}

	var h http.Handler = r
	h = response.RecoveryMiddleware(opts.Log)(h)
	h = tracing.HTTPMiddleware(h)
	h = response.RequestIDMiddleware(h)
	return h
}

// corsConfig 空列表不启用 CORS；含 "*" 时放开全部来源
func corsConfig(origins []string) (cors.Config, bool) {
	c := cors.Config{
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Request-Id"},
		ExposeHeaders: []string{"Content-Length", "X-Request-Id"},
		MaxAge:        12 * time.Hour,
	}
	for _, o := range origins {
		o = strings.TrimSpace(o)
		switch {
		case o == "*":
			c.AllowAllOrigins = true
			c.AllowOrigins = nil
			return c, true
		case strings.HasPrefix(o, "http://") || strings.HasPrefix(o, "https://"):
			c.AllowOrigins = append(c.AllowOrigins, o)
		}
	}
	if len(c.AllowOrigins) == 0 {
		return c, false
	}
	c.AllowCredentials = true
	return c, true
}

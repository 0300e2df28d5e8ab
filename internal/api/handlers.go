package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/panditbooking/booking/internal/booking"
	"github.com/panditbooking/booking/internal/service"
	commonerrors "github.com/panditbooking/booking/pkg/errors"
	"github.com/panditbooking/booking/pkg/response"
)

// 回调 body 上限
const maxWebhookBody = 1 << 20

type reasonBody struct {
	Reason string `json:"reason"`
}

func (s *server) fail(c *gin.Context, err error) {
	if e := commonerrors.From(err); e.Code == commonerrors.CodeInternal {
		s.log.WithContext(c.Request.Context()).WithError(err).Errorf("request failed", map[string]interface{}{
			"method": c.Request.Method,
			"route":  c.FullPath(),
		})
	}
	response.WriteErr(c.Writer, c.Request, err)
}

func (s *server) badRequest(c *gin.Context, code commonerrors.Code, msg string) {
	response.WriteErrorCode(c.Writer, c.Request, code, msg)
}

func (s *server) bookingID(c *gin.Context) (uuid.UUID, bool) {
	return s.pathID(c, "invalid booking id")
}

func (s *server) pathID(c *gin.Context, msg string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		s.badRequest(c, commonerrors.CodeInvalidParam, msg)
		return uuid.Nil, false
	}
	return id, true
}

// bindOptional 允许空 body
func (s *server) bindOptional(c *gin.Context, v interface{}) bool {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(v); err != nil && !errors.Is(err, io.EOF) {
		s.badRequest(c, commonerrors.CodeInvalidRequest, "invalid request body")
		return false
	}
	return true
}

// POST /bookings
func (s *server) reserve(c *gin.Context) {
	var req service.ReserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, commonerrors.CodeInvalidRequest, "invalid request body")
		return
	}
	b, err := s.svc.Reserve(c.Request.Context(), actorFrom(c), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, b)
}

// POST /bookings/:id/payment
func (s *server) initiatePayment(c *gin.Context) {
	id, ok := s.bookingID(c)
	if !ok {
		return
	}
	order, err := s.svc.InitiatePayment(c.Request.Context(), id, actorFrom(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// POST /bookings/:id/payment-confirmed
func (s *server) confirmPayment(c *gin.Context) {
	id, ok := s.bookingID(c)
	if !ok {
		return
	}
	var req service.ConfirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, commonerrors.CodeInvalidRequest, "invalid request body")
		return
	}
	b, err := s.svc.ConfirmPayment(c.Request.Context(), id, actorFrom(c), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

// POST /bookings/:id/accept
func (s *server) accept(c *gin.Context) {
	id, ok := s.bookingID(c)
	if !ok {
		return
	}
	b, err := s.svc.Accept(c.Request.Context(), id, actorFrom(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

// POST /bookings/:id/decline
func (s *server) decline(c *gin.Context) {
	id, ok := s.bookingID(c)
	if !ok {
		return
	}
	var body reasonBody
	if !s.bindOptional(c, &body) {
		return
	}
	b, err := s.svc.Decline(c.Request.Context(), id, actorFrom(c), body.Reason)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

// POST /bookings/:id/complete
func (s *server) complete(c *gin.Context) {
	id, ok := s.bookingID(c)
	if !ok {
		return
	}
	b, err := s.svc.Complete(c.Request.Context(), id, actorFrom(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

// POST /bookings/:id/cancel
func (s *server) cancel(c *gin.Context) {
	id, ok := s.bookingID(c)
	if !ok {
		return
	}
	var body reasonBody
	if !s.bindOptional(c, &body) {
		return
	}
	b, err := s.svc.Cancel(c.Request.Context(), id, actorFrom(c), body.Reason)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

// GET /bookings/:id
func (s *server) get(c *gin.Context) {
	id, ok := s.bookingID(c)
	if !ok {
		return
	}
	b, err := s.svc.Get(c.Request.Context(), id, actorFrom(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

// GET /bookings?status=&page=&page_size=
func (s *server) list(c *gin.Context) {
	var q service.ListQuery
	if v := c.Query("status"); v != "" {
		st, err := booking.ParseStatus(v)
		if err != nil {
			s.badRequest(c, commonerrors.CodeInvalidParam, "invalid status")
			return
		}
		q.Status = &st
	}
	var ok bool
	if q.Page, ok = s.intQuery(c, "page"); !ok {
		return
	}
	if q.PageSize, ok = s.intQuery(c, "page_size"); !ok {
		return
	}
	page, err := s.svc.List(c.Request.Context(), actorFrom(c), q)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// GET /bookings/:id/audit
func (s *server) auditTrail(c *gin.Context) {
	id, ok := s.bookingID(c)
	if !ok {
		return
	}
	trail, err := s.svc.AuditTrail(c.Request.Context(), id, actorFrom(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, trail)
}

// GET /audit?actor=&action=&limit=&offset=
func (s *server) queryAudit(c *gin.Context) {
	var q service.AuditQuery
	if v := c.Query("actor"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			s.badRequest(c, commonerrors.CodeInvalidParam, "invalid actor id")
			return
		}
		q.ActorID = &id
	}
	if v := c.Query("action"); v != "" {
		a, err := booking.ParseAction(v)
		if err != nil {
			s.badRequest(c, commonerrors.CodeInvalidParam, "invalid action")
			return
		}
		q.Action = &a
	}
	var ok bool
	if q.Limit, ok = s.intQuery(c, "limit"); !ok {
		return
	}
	if q.Offset, ok = s.intQuery(c, "offset"); !ok {
		return
	}
	entries, err := s.svc.QueryAudit(c.Request.Context(), actorFrom(c), q)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// GET /bookings/:id/events 先鉴权并取快照，再升级为 websocket
func (s *server) events(c *gin.Context) {
	id, ok := s.bookingID(c)
	if !ok {
		return
	}
	b, err := s.svc.Get(c.Request.Context(), id, actorFrom(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	snapshot, err := json.Marshal(gin.H{"channel": "booking", "event": "snapshot", "data": b})
	if err != nil {
		s.fail(c, err)
		return
	}
	s.feed.Serve(c.Writer, c.Request, id, snapshot)
}

// POST /payments/webhook 已处理、重复与无关事件都返回 200，网关不再重投
func (s *server) webhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody+1))
	if err != nil {
		s.badRequest(c, commonerrors.CodeInvalidRequest, "unreadable body")
		return
	}
	if len(body) > maxWebhookBody {
		s.badRequest(c, commonerrors.CodeInvalidRequest, "body too large")
		return
	}
	if err := s.svc.HandleWebhook(c.Request.Context(), body, c.Request.Header); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// POST /payments/:id/refund（管理员）
func (s *server) refund(c *gin.Context) {
	id, ok := s.pathID(c, "invalid payment id")
	if !ok {
		return
	}
	var req service.AdminRefundRequest
	if !s.bindOptional(c, &req) {
		return
	}
	order, err := s.svc.AdminRefund(c.Request.Context(), id, actorFrom(c), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, order)
}

// GET /payments/history
func (s *server) paymentHistory(c *gin.Context) {
	var (
		q  service.PaymentQuery
		ok bool
	)
	if q.Limit, ok = s.intQuery(c, "limit"); !ok {
		return
	}
	if q.Offset, ok = s.intQuery(c, "offset"); !ok {
		return
	}
	payments, err := s.svc.PaymentHistory(c.Request.Context(), actorFrom(c), q)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payments": payments})
}

func (s *server) intQuery(c *gin.Context, key string) (int, bool) {
	v := c.Query(key)
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		s.badRequest(c, commonerrors.CodeInvalidParam, "invalid "+key)
		return 0, false
	}
	return n, true
}

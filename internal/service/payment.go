package service

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/panditbooking/booking/internal/booking"
	"github.com/panditbooking/booking/internal/gateway"
	"github.com/panditbooking/booking/internal/notify"
	"github.com/panditbooking/booking/internal/outbox"
	"github.com/panditbooking/booking/internal/repository"
	commonerrors "github.com/panditbooking/booking/pkg/errors"
)

// errDuplicateEvent webhook 事件已处理过，回滚后直接应答
var errDuplicateEvent = errors.New("webhook event already processed")

// PaymentOrder 客户端拉起支付所需的信息
type PaymentOrder struct {
	BookingID uuid.UUID `json:"booking_id"`
	OrderID   string    `json:"order_id"`
	KeyID     string    `json:"key_id"`
	Amount    int64     `json:"amount"`
	Currency  string    `json:"currency"`
	Provider  string    `json:"provider"`
}

// ConfirmRequest 客户端支付完成后回传的网关凭据
type ConfirmRequest struct {
	OrderID   string `json:"order_id"`
	PaymentID string `json:"payment_id"`
	Signature string `json:"signature"`
}

// InitiatePayment 创建网关订单。SLOT_LOCKED 时推进到 PAYMENT_PENDING；
// 已是 PAYMENT_PENDING 时只刷新订单号。
func (o *Orchestrator) InitiatePayment(ctx context.Context, id uuid.UUID, actor booking.Actor) (_ *PaymentOrder, err error) {
	ctx, done := o.observe(ctx, "initiate_payment")
	defer done(&err)

	b, err := o.loadBooking(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.Owns(b) {
		return nil, o.forbid("only the customer can pay for this booking")
	}
	if b.Status != booking.StatusSlotLocked && b.Status != booking.StatusPaymentPending {
		return nil, o.reject(commonerrors.Newf(commonerrors.CodeInvalidState, "cannot initiate payment for a booking in %s", b.Status))
	}

	existing, err := o.store.GetPaymentByBooking(ctx, b.ID)
	if err != nil && !errors.Is(err, repository.ErrPaymentNotFound) {
		return nil, o.mapErr(err)
	}
	if existing.Captured() {
		return nil, o.reject(commonerrors.New(commonerrors.CodeAlreadyPaid, "booking is already paid"))
	}

	orderID, err := o.gateway.CreateOrder(ctx, b.TotalAmount, b.Currency, b.ID.String())
	if err != nil {
		return nil, err
	}

	now := o.now()
	payment := &booking.Payment{
		ID:             uuid.New(),
		BookingID:      b.ID,
		GatewayOrderID: orderID,
		Amount:         b.TotalAmount,
		PlatformFee:    b.PlatformFee,
		Currency:       b.Currency,
		Status:         booking.PaymentPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if existing != nil {
		payment.ID = existing.ID
	}
	upsert := func(ctx context.Context, tx repository.Tx) error {
		return tx.UpsertPaymentOrder(ctx, payment)
	}

	if b.Status == booking.StatusSlotLocked {
		_, err = o.apply(ctx, b, change{
			action:   booking.ActionPaymentInitiated,
			actor:    actor,
			at:       now,
			metadata: map[string]interface{}{"gateway": o.gateway.Name(), "gateway_order_id": orderID},
			inTx:     upsert,
		})
	} else {
		err = o.mapErr(o.store.InTx(ctx, func(tx repository.Tx) error { return upsert(ctx, tx) }))
	}
	if err != nil {
		return nil, err
	}

	return &PaymentOrder{
		BookingID: b.ID,
		OrderID:   orderID,
		KeyID:     o.gateway.KeyID(),
		Amount:    b.TotalAmount,
		Currency:  b.Currency,
		Provider:  o.gateway.Name(),
	}, nil
}

// ConfirmPayment 客户端回传支付结果。验签在任何写入之前同步完成；
// 同一网关支付重复确认视为幂等重放，原样返回预订。
func (o *Orchestrator) ConfirmPayment(ctx context.Context, id uuid.UUID, actor booking.Actor, req ConfirmRequest) (_ *booking.Booking, err error) {
	ctx, done := o.observe(ctx, "confirm_payment")
	defer done(&err)

	if req.OrderID == "" || req.PaymentID == "" || req.Signature == "" {
		return nil, commonerrors.New(commonerrors.CodeInvalidParam, "order_id, payment_id and signature are required")
	}
	b, err := o.loadBooking(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.Owns(b) && !actor.IsAdmin() {
		return nil, o.forbid("only the customer can confirm this payment")
	}

	if b.Status.Paid() {
		p, err := o.store.GetPaymentByBooking(ctx, b.ID)
		if err == nil && p.GatewayPaymentID == req.PaymentID {
			o.log.WithContext(ctx).WithBooking(b.ID.String()).Infof("payment confirmation replayed", map[string]interface{}{
				"gatewayPaymentId": req.PaymentID,
			})
			return b, nil
		}
	}
	if _, ok := booking.Target(booking.ActionPaymentCaptured, b.Status); !ok {
		return nil, o.reject(commonerrors.Newf(commonerrors.CodeInvalidState, "cannot confirm payment for a booking in %s", b.Status))
	}

	p, err := o.orderPayment(ctx, b, req.OrderID)
	if err != nil {
		return nil, err
	}

	valid, err := o.gateway.VerifySignature(ctx, req.OrderID, req.PaymentID, req.Signature)
	if err != nil {
		return nil, err
	}
	if !valid {
		return nil, o.reject(commonerrors.New(commonerrors.CodeInvalidSignature, "payment signature verification failed"))
	}

	return o.capture(ctx, b, p, actor, req, nil)
}

// orderPayment 只接受本预订 InitiatePayment 生成的网关订单
func (o *Orchestrator) orderPayment(ctx context.Context, b *booking.Booking, orderID string) (*booking.Payment, error) {
	p, err := o.store.GetPaymentByBooking(ctx, b.ID)
	switch {
	case errors.Is(err, repository.ErrPaymentNotFound):
		return nil, o.reject(commonerrors.New(commonerrors.CodePaymentNotFound, "no payment order was initiated for this booking"))
	case err != nil:
		return nil, o.mapErr(err)
	case p.GatewayOrderID == "" || p.GatewayOrderID != orderID:
		return nil, o.reject(commonerrors.New(commonerrors.CodeInvalidParam, "order does not belong to this booking"))
	}
	return p, nil
}

// capture CAS 到 AWAITING_PROVIDER 并写入 CAPTURED 支付单，客户确认与 webhook 共用
func (o *Orchestrator) capture(ctx context.Context, b *booking.Booking, p *booking.Payment, actor booking.Actor, req ConfirmRequest, extra func(context.Context, repository.Tx) error) (*booking.Booking, error) {
	paymentID := p.ID
	now := o.now()
	var effects effectList
	if userID, ok := o.providerUser(ctx, b); ok {
		effects.add(outbox.NewNotify(notify.BookingRequested{
			Base:           notify.Base{UserID: userID, BookingID: b.ID, BookingNumber: b.BookingNumber},
			ScheduledAt:    b.ScheduledAt,
			AcceptDeadline: b.AcceptDeadline,
		}, now))
	}
	effects.add(outbox.NewNotify(notify.PaymentSucceeded{
		Base:      notify.Base{UserID: b.CustomerID, BookingID: b.ID, BookingNumber: b.BookingNumber},
		Amount:    b.TotalAmount,
		PaymentID: req.PaymentID,
	}, now))
	if effects.err != nil {
		return nil, effects.err
	}

	return o.apply(ctx, b, change{
		action: booking.ActionPaymentCaptured,
		actor:  actor,
		at:     now,
		metadata: map[string]interface{}{
			"gateway":            o.gateway.Name(),
			"gateway_order_id":   req.OrderID,
			"gateway_payment_id": req.PaymentID,
			"amount":             b.TotalAmount,
		},
		inTx: func(ctx context.Context, tx repository.Tx) error {
			if extra != nil {
				if err := extra(ctx, tx); err != nil {
					return err
				}
			}
			return tx.CapturePayment(ctx, repository.Capture{
				PaymentID:        paymentID,
				BookingID:        b.ID,
				GatewayOrderID:   req.OrderID,
				GatewayPaymentID: req.PaymentID,
				Signature:        req.Signature,
				Amount:           b.TotalAmount,
				PlatformFee:      b.PlatformFee,
				Currency:         b.Currency,
				At:               now,
			})
		},
		effects: effects.items,
	})
}

// AdminRefundRequest Amount 为 0 时全额退款
type AdminRefundRequest struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

// RefundOrder 已入队、等待 dispatcher 投递的退款
type RefundOrder struct {
	PaymentID uuid.UUID `json:"payment_id"`
	BookingID uuid.UUID `json:"booking_id"`
	Amount    int64     `json:"amount"`
	Currency  string    `json:"currency"`
	Partial   bool      `json:"partial"`
}

// AdminRefund 管理员手动退款，只针对已扣款且未退款的支付单；预订状态不变。
// 实际退款仍由 refund effect 完成，refund_id IS NULL 保证至多一次。
func (o *Orchestrator) AdminRefund(ctx context.Context, paymentID uuid.UUID, actor booking.Actor, req AdminRefundRequest) (_ *RefundOrder, err error) {
	ctx, done := o.observe(ctx, "admin_refund")
	defer done(&err)

	if !actor.IsAdmin() {
		return nil, o.forbid("manual refunds require admin")
	}
	if req.Amount < 0 {
		return nil, commonerrors.New(commonerrors.CodeInvalidParam, "refund amount must not be negative")
	}
	p, err := o.store.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, o.mapErr(err)
	}
	b, err := o.loadBooking(ctx, p.BookingID)
	if err != nil {
		return nil, err
	}

	reason := req.Reason
	if reason == "" {
		reason = "manual refund"
	}
	now := o.now()
	var order *RefundOrder
	err = o.store.InTx(ctx, func(tx repository.Tx) error {
		cur, err := tx.GetPaymentByBooking(ctx, b.ID)
		if err != nil {
			return err
		}
		if cur.Status != booking.PaymentCaptured || cur.RefundID != "" {
			return o.reject(commonerrors.Newf(commonerrors.CodeInvalidState, "payment is %s, only captured payments can be refunded", cur.Status))
		}
		amount := req.Amount
		if amount == 0 {
			amount = cur.Amount
		}
		if amount > cur.Amount {
			return commonerrors.Newf(commonerrors.CodeInvalidParam, "refund %d exceeds captured amount %d", amount, cur.Amount)
		}
		e, err := outbox.NewRefund(outbox.RefundPayload{
			BookingID:        b.ID,
			GatewayPaymentID: cur.GatewayPaymentID,
			Amount:           amount,
			Currency:         cur.Currency,
			Reason:           reason,
			Partial:          amount < cur.Amount,
			Notify:           b.CustomerID,
			BookingNumber:    b.BookingNumber,
		}, now)
		if err != nil {
			return err
		}
		inserted, err := tx.Enqueue(ctx, e)
		if err != nil {
			return err
		}
		if !inserted {
			return o.reject(commonerrors.New(commonerrors.CodeInvalidState, "a refund is already in progress for this booking"))
		}
		order = &RefundOrder{PaymentID: cur.ID, BookingID: b.ID, Amount: amount, Currency: cur.Currency, Partial: amount < cur.Amount}
		return nil
	})
	if err != nil {
		return nil, o.mapErr(err)
	}
	o.log.WithContext(ctx).WithBooking(b.ID.String()).Infof("manual refund queued", map[string]interface{}{
		"admin": actor.ID.String(), "paymentId": order.PaymentID.String(), "amount": order.Amount, "reason": reason,
	})
	return order, nil
}

// HandleWebhook 处理已验签的网关回调。重复事件、未知订单、不再适用的状态都直接应答，
// 只有验签失败与内部错误返回错误，使网关按需重试。
func (o *Orchestrator) HandleWebhook(ctx context.Context, body []byte, header http.Header) (err error) {
	ctx, done := o.observe(ctx, "webhook")
	defer done(&err)

	ev, err := o.gateway.ParseWebhook(ctx, body, header)
	switch {
	case errors.Is(err, gateway.ErrInvalidWebhookSignature):
		o.countWebhook("unknown", "rejected")
		return o.reject(commonerrors.New(commonerrors.CodeInvalidSignature, "invalid webhook signature"))
	case errors.Is(err, gateway.ErrMalformedWebhook):
		o.countWebhook("unknown", "rejected")
		return commonerrors.Wrap(commonerrors.CodeInvalidRequest, "malformed webhook", err)
	case err != nil:
		return err
	}

	log := o.log.WithContext(ctx).WithField("event", ev.Event).WithField("eventId", ev.ID)
	switch ev.Event {
	case gateway.EventPaymentCaptured:
		err = o.webhookCaptured(ctx, ev)
	case gateway.EventPaymentFailed:
		err = o.handlePaymentFailed(ctx, ev)
	case gateway.EventRefundProcessed:
		err = o.webhookRefunded(ctx, ev)
	default:
		log.Info("ignoring unsupported webhook event")
		o.countWebhook(ev.Event, "ignored")
		return nil
	}

	switch {
	case errors.Is(err, errDuplicateEvent):
		log.Info("webhook event already processed")
		o.countWebhook(ev.Event, "duplicate")
		return nil
	case commonerrors.IsNotFound(err):
		log.WithError(err).Warn("webhook references unknown order")
		o.countWebhook(ev.Event, "ignored")
		return nil
	case commonerrors.IsStateConflict(err), commonerrors.IsIdempotentReplay(err):
		log.WithError(err).Info("webhook no longer applicable")
		o.countWebhook(ev.Event, "ignored")
		return nil
	case err != nil:
		o.countWebhook(ev.Event, "error")
		return err
	}
	o.countWebhook(ev.Event, "applied")
	return nil
}

func (o *Orchestrator) countWebhook(event, result string) {
	if o.metrics != nil {
		o.metrics.IncWebhook(event, result)
	}
}

// markEvent 事件去重与业务写入同事务提交
func (o *Orchestrator) markEvent(ev *gateway.WebhookEvent, at time.Time) func(context.Context, repository.Tx) error {
	key := ev.ID
	if key == "" {
		key = ev.Event + ":" + ev.OrderID + ":" + ev.PaymentID + ":" + ev.RefundID
	}
	return func(ctx context.Context, tx repository.Tx) error {
		fresh, err := tx.MarkEventProcessed(ctx, key, ev.Event, at)
		if err != nil {
			return err
		}
		if !fresh {
			return errDuplicateEvent
		}
		return nil
	}
}

func (o *Orchestrator) bookingForOrder(ctx context.Context, orderID string) (*booking.Payment, *booking.Booking, error) {
	p, err := o.store.GetPaymentByGatewayOrder(ctx, orderID)
	if err != nil {
		return nil, nil, o.mapErr(err)
	}
	b, err := o.loadBooking(ctx, p.BookingID)
	if err != nil {
		return nil, nil, err
	}
	return p, b, nil
}

// webhookCaptured 客户端未回传确认时由回调推进；已支付的预订只记录事件
func (o *Orchestrator) webhookCaptured(ctx context.Context, ev *gateway.WebhookEvent) error {
	p, b, err := o.bookingForOrder(ctx, ev.OrderID)
	if err != nil {
		return err
	}
	mark := o.markEvent(ev, o.now())
	if b.Status != booking.StatusSlotLocked && b.Status != booking.StatusPaymentPending {
		return o.mapErr(o.store.InTx(ctx, func(tx repository.Tx) error { return mark(ctx, tx) }))
	}
	_, err = o.capture(ctx, b, p, booking.System(), ConfirmRequest{OrderID: ev.OrderID, PaymentID: ev.PaymentID}, mark)
	return err
}

func (o *Orchestrator) webhookRefunded(ctx context.Context, ev *gateway.WebhookEvent) error {
	p, _, err := o.bookingForOrder(ctx, ev.OrderID)
	if err != nil {
		return err
	}
	if p.RefundID == "" {
		o.log.WithContext(ctx).WithBooking(p.BookingID.String()).Warnf("refund webhook before refund was recorded", map[string]interface{}{
			"refundId": ev.RefundID,
		})
	}
	return o.mapErr(o.store.InTx(ctx, func(tx repository.Tx) error { return o.markEvent(ev, o.now())(ctx, tx) }))
}

// HandlePaymentFailed 支付失败：支付单置 FAILED；预订仍在支付阶段时取消并释放时段锁，
// 其它状态只标记支付单。
func (o *Orchestrator) HandlePaymentFailed(ctx context.Context, ev *gateway.WebhookEvent) (err error) {
	ctx, done := o.observe(ctx, "payment_failed")
	defer done(&err)
	return o.handlePaymentFailed(ctx, ev)
}

func (o *Orchestrator) handlePaymentFailed(ctx context.Context, ev *gateway.WebhookEvent) error {
	_, b, err := o.bookingForOrder(ctx, ev.OrderID)
	if err != nil {
		return err
	}
	now := o.now()
	mark := o.markEvent(ev, now)
	flag := func(ctx context.Context, tx repository.Tx) error {
		if err := mark(ctx, tx); err != nil {
			return err
		}
		return tx.MarkPaymentFailed(ctx, b.ID, ev.PaymentID, now)
	}

	if b.Status != booking.StatusSlotLocked && b.Status != booking.StatusPaymentPending {
		o.log.WithContext(ctx).WithBooking(b.ID.String()).Infof("payment failure for booking past payment phase", map[string]interface{}{
			"status": b.Status,
		})
		return o.mapErr(o.store.InTx(ctx, func(tx repository.Tx) error { return flag(ctx, tx) }))
	}

	reason := ev.Reason
	if reason == "" {
		reason = paymentFailedReason
	}
	var effects effectList
	effects.add(outbox.NewNotify(notify.PaymentFailed{
		Base:   notify.Base{UserID: b.CustomerID, BookingID: b.ID, BookingNumber: b.BookingNumber},
		Reason: reason,
	}, now))
	if effects.err != nil {
		return effects.err
	}

	_, err = o.apply(ctx, b, change{
		action:   booking.ActionPaymentFailed,
		actor:    booking.System(),
		at:       now,
		reason:   paymentFailedReason,
		metadata: map[string]interface{}{"gateway_payment_id": ev.PaymentID, "gateway_reason": ev.Reason},
		mutate: func(u *repository.StatusUpdate) {
			u.CancellationReason = paymentFailedReason
			u.CancelledBy = booking.RoleSystem
			u.CancelledAt = &now
		},
		inTx:    flag,
		effects: effects.items,
		release: true,
	})
	return err
}

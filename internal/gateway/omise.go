package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/omise/omise-go"
	"github.com/omise/omise-go/operations"
)

// OmiseConfig 网关配置
type OmiseConfig struct {
	PublicKey string
	SecretKey string
	Timeout   time.Duration
}

// omiseAPI 抽出用到的几个调用，便于测试替换
type omiseAPI struct {
	retrieveCharge func(id string) (*omise.Charge, error)
	createRefund   func(chargeID string, amount int64) (*omise.Refund, error)
	createTransfer func(recipient string, amount int64) (*omise.Transfer, error)
	retrieveEvent  func(id string) (*omise.Event, error)
}

// Omise 适配器。Omise 由前端创建 charge，订单号即预订引用，
// 支付确认通过查询 charge 状态与 metadata 完成。
type Omise struct {
	api     omiseAPI
	keyID   string
	timeout time.Duration
}

func NewOmise(cfg OmiseConfig) (*Omise, error) {
	c, err := omise.NewClient(cfg.PublicKey, cfg.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("omise client: %w", err)
	}
	c.SetDebug(false)
	api := omiseAPI{
		retrieveCharge: func(id string) (*omise.Charge, error) {
			ch := &omise.Charge{}
			return ch, c.Do(ch, &operations.RetrieveCharge{ChargeID: id})
		},
		createRefund: func(chargeID string, amount int64) (*omise.Refund, error) {
			rf := &omise.Refund{}
			return rf, c.Do(rf, &operations.CreateRefund{ChargeID: chargeID, Amount: amount})
		},
		createTransfer: func(recipient string, amount int64) (*omise.Transfer, error) {
			tr := &omise.Transfer{}
			return tr, c.Do(tr, &operations.CreateTransfer{Recipient: recipient, Amount: amount})
		},
		retrieveEvent: func(id string) (*omise.Event, error) {
			ev := &omise.Event{}
			return ev, c.Do(ev, &operations.RetrieveEvent{EventID: id})
		},
	}
	return &Omise{api: api, keyID: cfg.PublicKey, timeout: cfg.Timeout}, nil
}

func (o *Omise) Name() string  { return "omise" }
func (o *Omise) KeyID() string { return o.keyID }

// CreateOrder Omise 没有订单概念，直接使用预订引用
func (o *Omise) CreateOrder(_ context.Context, _ int64, _ string, reference string) (string, error) {
	return reference, nil
}

// VerifySignature 查询 charge：必须已成功且 metadata.booking_id 与订单引用一致
func (o *Omise) VerifySignature(ctx context.Context, orderID, paymentID, _ string) (bool, error) {
	var ch *omise.Charge
	err := o.call(ctx, func() (err error) {
		ch, err = o.api.retrieveCharge(paymentID)
		return err
	})
	if err != nil {
		return false, upstream("omise retrieve charge", err)
	}
	ref, _ := ch.Metadata["booking_id"].(string)
	return string(ch.Status) == "successful" && ref == orderID, nil
}

func (o *Omise) Refund(ctx context.Context, paymentID string, amount int64, _ string) (string, error) {
	var rf *omise.Refund
	err := o.call(ctx, func() (err error) {
		rf, err = o.api.createRefund(paymentID, amount)
		return err
	})
	if err != nil {
		return "", upstream("omise refund", err)
	}
	return rf.ID, nil
}

// Payout account 为 Omise recipient ID
func (o *Omise) Payout(ctx context.Context, account string, amount int64, _, _, _ string) (string, error) {
	if account == "" {
		return "", upstream("omise transfer", fmt.Errorf("missing recipient"))
	}
	var tr *omise.Transfer
	err := o.call(ctx, func() (err error) {
		tr, err = o.api.createTransfer(account, amount)
		return err
	})
	if err != nil {
		return "", upstream("omise transfer", err)
	}
	return tr.ID, nil
}

type omiseIncoming struct {
	ID  string `json:"id"`
	Key string `json:"key"`
}

// ParseWebhook Omise 回调不带签名，通过回查事件确认真实性
func (o *Omise) ParseWebhook(ctx context.Context, body []byte, _ http.Header) (*WebhookEvent, error) {
	var inc omiseIncoming
	if err := json.Unmarshal(body, &inc); err != nil || inc.ID == "" {
		return nil, ErrMalformedWebhook
	}
	var ev *omise.Event
	err := o.call(ctx, func() (err error) {
		ev, err = o.api.retrieveEvent(inc.ID)
		return err
	})
	if err != nil {
		return nil, ErrInvalidWebhookSignature
	}

	raw, err := json.Marshal(ev.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedWebhook, err)
	}
	out := &WebhookEvent{ID: ev.ID}
	if out.ID == "" {
		out.ID = inc.ID
	}
	switch ev.Key {
	case "charge.complete":
		var ch omise.Charge
		if err := json.Unmarshal(raw, &ch); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedWebhook, err)
		}
		out.PaymentID = ch.ID
		out.OrderID, _ = ch.Metadata["booking_id"].(string)
		out.Amount = ch.Amount
		if string(ch.Status) == "successful" {
			out.Event = EventPaymentCaptured
		} else {
			out.Event = EventPaymentFailed
			if ch.FailureCode != nil {
				out.Reason = *ch.FailureCode
			}
		}
	case "refund.create":
		var rf omise.Refund
		if err := json.Unmarshal(raw, &rf); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedWebhook, err)
		}
		out.Event = EventRefundProcessed
		out.RefundID = rf.ID
		out.PaymentID = rf.Charge
		out.Amount = rf.Amount
	default:
		out.Event = ev.Key
	}
	return out, nil
}

// call omise-go 不接受 context，这里在超时或取消时提前返回
func (o *Omise) call(ctx context.Context, fn func() error) error {
	ctx, cancel := withTimeout(ctx, o.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

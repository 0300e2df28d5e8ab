package service

import (
	"context"

	"github.com/google/uuid"

	"github.com/panditbooking/booking/internal/booking"
	"github.com/panditbooking/booking/internal/repository"
	commonerrors "github.com/panditbooking/booking/pkg/errors"
)

const (
	defaultPageSize = 20
	maxPageSize     = 50
	maxAuditPage    = 200
)

// ListQuery 列表查询参数
type ListQuery struct {
	Status   *booking.Status
	Page     int
	PageSize int
}

// Page 分页结果
type Page struct {
	Items    []*booking.Booking `json:"items"`
	Total    int                `json:"total"`
	Page     int                `json:"page"`
	PageSize int                `json:"page_size"`
}

// AuditTrail 预订的审计记录及其与当前状态的一致性
type AuditTrail struct {
	BookingID  uuid.UUID            `json:"booking_id"`
	Status     booking.Status       `json:"status"`
	Entries    []booking.AuditEntry `json:"entries"`
	Consistent bool                 `json:"consistent"`
}

// AuditQuery 管理员按操作者或动作检索审计
type AuditQuery struct {
	ActorID *uuid.UUID
	Action  *booking.Action
	Limit   int
	Offset  int
}

// PaymentQuery 支付历史分页
type PaymentQuery struct {
	Limit  int
	Offset int
}

// PaymentHistory 调用方的支付记录，最新在前：客户看自己的预订，服务者看指派给自己的，管理员看全部
func (o *Orchestrator) PaymentHistory(ctx context.Context, actor booking.Actor, q PaymentQuery) ([]*booking.Payment, error) {
	if q.Limit <= 0 || q.Limit > maxPageSize {
		q.Limit = maxPageSize
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	f := repository.PaymentFilter{Limit: q.Limit, Offset: q.Offset}
	switch actor.Role {
	case booking.RoleCustomer:
		id := actor.ID
		f.CustomerID = &id
	case booking.RoleProvider:
		if actor.ProviderID == uuid.Nil {
			return nil, o.forbid("provider profile missing from credentials")
		}
		pid := actor.ProviderID
		f.ProviderID = &pid
	case booking.RoleAdmin:
	default:
		return nil, o.forbid("not allowed to list payments")
	}
	items, err := o.store.ListPayments(ctx, f)
	if err != nil {
		return nil, o.mapErr(err)
	}
	if items == nil {
		items = []*booking.Payment{}
	}
	return items, nil
}

// Get 客户本人、指派服务者与管理员可见
func (o *Orchestrator) Get(ctx context.Context, id uuid.UUID, actor booking.Actor) (*booking.Booking, error) {
	b, err := o.loadBooking(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.CanView(b) {
		return nil, o.forbid("not allowed to view this booking")
	}
	return b, nil
}

// List 按调用方角色限定范围，按创建时间倒序
func (o *Orchestrator) List(ctx context.Context, actor booking.Actor, q ListQuery) (*Page, error) {
	if q.Page <= 0 {
		q.Page = 1
	}
	if q.PageSize <= 0 {
		q.PageSize = defaultPageSize
	}
	if q.PageSize > maxPageSize {
		q.PageSize = maxPageSize
	}

	f := repository.BookingFilter{Status: q.Status, Limit: q.PageSize, Offset: (q.Page - 1) * q.PageSize}
	switch actor.Role {
	case booking.RoleCustomer:
		id := actor.ID
		f.CustomerID = &id
	case booking.RoleProvider:
		if actor.ProviderID == uuid.Nil {
			return nil, o.forbid("provider profile missing from credentials")
		}
		pid := actor.ProviderID
		f.ProviderID = &pid
	case booking.RoleAdmin:
	default:
		return nil, o.forbid("not allowed to list bookings")
	}

	items, total, err := o.store.ListBookings(ctx, f)
	if err != nil {
		return nil, o.mapErr(err)
	}
	if items == nil {
		items = []*booking.Booking{}
	}
	return &Page{Items: items, Total: total, Page: q.Page, PageSize: q.PageSize}, nil
}

// AuditTrail 按时间升序返回审计记录，并重放校验当前状态
func (o *Orchestrator) AuditTrail(ctx context.Context, id uuid.UUID, actor booking.Actor) (*AuditTrail, error) {
	b, err := o.Get(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	entries, err := o.store.ListByBooking(ctx, b.ID)
	if err != nil {
		return nil, o.mapErr(err)
	}
	consistent := booking.Consistent(b, entries)
	if !consistent {
		o.log.WithContext(ctx).WithBooking(b.ID.String()).Warnf("audit trail does not replay to current status", map[string]interface{}{
			"status":  b.Status,
			"entries": len(entries),
		})
	}
	if entries == nil {
		entries = []booking.AuditEntry{}
	}
	return &AuditTrail{BookingID: b.ID, Status: b.Status, Entries: entries, Consistent: consistent}, nil
}

// QueryAudit 仅管理员
func (o *Orchestrator) QueryAudit(ctx context.Context, actor booking.Actor, q AuditQuery) ([]booking.AuditEntry, error) {
	if !actor.IsAdmin() {
		return nil, o.forbid("audit search requires admin")
	}
	if q.ActorID == nil && q.Action == nil {
		return nil, commonerrors.New(commonerrors.CodeInvalidParam, "actor or action filter is required")
	}
	if q.Limit <= 0 || q.Limit > maxAuditPage {
		q.Limit = maxAuditPage
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	entries, err := o.store.ListAudit(ctx, repository.AuditFilter{
		ActorID: q.ActorID,
		Action:  q.Action,
		Limit:   q.Limit,
		Offset:  q.Offset,
	})
	if err != nil {
		return nil, o.mapErr(err)
	}
	if entries == nil {
		entries = []booking.AuditEntry{}
	}
	return entries, nil
}

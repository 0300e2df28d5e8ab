package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/panditbooking/booking/internal/booking"
	"github.com/panditbooking/booking/internal/directory"
	"github.com/panditbooking/booking/internal/gateway"
	"github.com/panditbooking/booking/internal/notify"
	"github.com/panditbooking/booking/internal/repository"
	"github.com/panditbooking/booking/internal/slotlock"
	"github.com/panditbooking/booking/pkg/decimal"
)

// fakeStore 内存账本；InTx 出错时回滚到快照
type fakeStore struct {
	mu       sync.Mutex
	bookings map[uuid.UUID]booking.Booking
	payments map[uuid.UUID]booking.Payment // by booking id
	audit    []booking.AuditEntry
	effects  []repository.Effect
	events   map[string]bool
	nextID   int64
	txCount  int

	failInsert  error
	afterFind   func()
	usedNumbers map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		bookings:    map[uuid.UUID]booking.Booking{},
		payments:    map[uuid.UUID]booking.Payment{},
		events:      map[string]bool{},
		usedNumbers: map[string]bool{},
	}
}

type fakeSnapshot struct {
	bookings map[uuid.UUID]booking.Booking
	payments map[uuid.UUID]booking.Payment
	audit    int
	effects  int
	events   map[string]bool
	numbers  map[string]bool
}

func (s *fakeStore) snapshot() fakeSnapshot {
	snap := fakeSnapshot{
		bookings: map[uuid.UUID]booking.Booking{},
		payments: map[uuid.UUID]booking.Payment{},
		audit:    len(s.audit),
		effects:  len(s.effects),
		events:   map[string]bool{},
		numbers:  map[string]bool{},
	}
	for k, v := range s.bookings {
		snap.bookings[k] = v
	}
	for k, v := range s.payments {
		snap.payments[k] = v
	}
	for k, v := range s.events {
		snap.events[k] = v
	}
	for k, v := range s.usedNumbers {
		snap.numbers[k] = v
	}
	return snap
}

func (s *fakeStore) restore(snap fakeSnapshot) {
	s.bookings = snap.bookings
	s.payments = snap.payments
	s.audit = s.audit[:snap.audit]
	s.effects = s.effects[:snap.effects]
	s.events = snap.events
	s.usedNumbers = snap.numbers
}

func (s *fakeStore) InTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txCount++
	snap := s.snapshot()
	if err := fn(&fakeTx{s: s}); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

func (s *fakeStore) put(b booking.Booking) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bookings[b.ID] = b
	s.usedNumbers[b.BookingNumber] = true
}

func (s *fakeStore) putPayment(p booking.Payment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payments[p.BookingID] = p
}

func (s *fakeStore) booking(id uuid.UUID) booking.Booking {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bookings[id]
}

func (s *fakeStore) payment(bookingID uuid.UUID) (booking.Payment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[bookingID]
	return p, ok
}

func (s *fakeStore) auditFor(id uuid.UUID) []booking.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []booking.AuditEntry
	for _, e := range s.audit {
		if e.BookingID == id {
			out = append(out, e)
		}
	}
	return out
}

func (s *fakeStore) effectsOf(kind string) []repository.Effect {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []repository.Effect
	for _, e := range s.effects {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// markDead 模拟 dispatcher 重试耗尽
func (s *fakeStore) markDead(id int64, attempts int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.effects {
		if s.effects[i].ID == id {
			s.effects[i].Status = repository.EffectDead
			s.effects[i].Attempts = attempts
			s.effects[i].LastError = "gateway unavailable"
		}
	}
}

func (s *fakeStore) counts() (tx, audit, effects int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txCount, len(s.audit), len(s.effects)
}

func (s *fakeStore) GetBooking(ctx context.Context, id uuid.UUID) (*booking.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[id]
	if !ok {
		return nil, repository.ErrBookingNotFound
	}
	return &b, nil
}

func (s *fakeStore) ListBookings(ctx context.Context, f repository.BookingFilter) ([]*booking.Booking, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []*booking.Booking
	for _, b := range s.bookings {
		b := b
		if f.CustomerID != nil && b.CustomerID != *f.CustomerID {
			continue
		}
		if f.ProviderID != nil && b.ProviderID != *f.ProviderID {
			continue
		}
		if f.Status != nil && b.Status != *f.Status {
			continue
		}
		all = append(all, &b)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := len(all)
	if f.Offset >= len(all) {
		return nil, total, nil
	}
	all = all[f.Offset:]
	if len(all) > f.Limit {
		all = all[:f.Limit]
	}
	return all, total, nil
}

func (s *fakeStore) FindExpired(ctx context.Context, statuses []booking.Status, now time.Time, limit int) ([]*booking.Booking, error) {
	s.mu.Lock()
	var out []*booking.Booking
	for _, b := range s.bookings {
		b := b
		for _, st := range statuses {
			if b.Status == st && b.AcceptDeadline.Before(now) {
				out = append(out, &b)
			}
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AcceptDeadline.Before(out[j].AcceptDeadline) })
	if len(out) > limit {
		out = out[:limit]
	}
	if s.afterFind != nil {
		s.afterFind()
	}
	return out, nil
}

func (s *fakeStore) GetPaymentByBooking(ctx context.Context, bookingID uuid.UUID) (*booking.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[bookingID]
	if !ok {
		return nil, repository.ErrPaymentNotFound
	}
	return &p, nil
}

func (s *fakeStore) GetPaymentByGatewayOrder(ctx context.Context, orderID string) (*booking.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payments {
		if p.GatewayOrderID == orderID {
			p := p
			return &p, nil
		}
	}
	return nil, repository.ErrPaymentNotFound
}

func (s *fakeStore) GetPayment(ctx context.Context, id uuid.UUID) (*booking.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payments {
		if p.ID == id {
			p := p
			return &p, nil
		}
	}
	return nil, repository.ErrPaymentNotFound
}

func (s *fakeStore) ListPayments(ctx context.Context, f repository.PaymentFilter) ([]*booking.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*booking.Payment
	for _, p := range s.payments {
		p := p
		b := s.bookings[p.BookingID]
		if f.CustomerID != nil && b.CustomerID != *f.CustomerID {
			continue
		}
		if f.ProviderID != nil && b.ProviderID != *f.ProviderID {
			continue
		}
		out = append(out, &p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Offset >= len(out) {
		return nil, nil
	}
	out = out[f.Offset:]
	if len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *fakeStore) FindPayoutCandidates(ctx context.Context, limit int) ([]repository.PayoutCandidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []repository.PayoutCandidate
	for _, p := range s.payments {
		b := s.bookings[p.BookingID]
		if p.Status != booking.PaymentCaptured || p.PayoutID != "" || b.Status != booking.StatusCompleted || b.ProviderPayout <= 0 {
			continue
		}
		out = append(out, repository.PayoutCandidate{
			PaymentID: p.ID, BookingID: b.ID, ProviderID: b.ProviderID, Amount: b.ProviderPayout, Currency: p.Currency,
		})
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeStore) ListByBooking(ctx context.Context, bookingID uuid.UUID) ([]booking.AuditEntry, error) {
	return s.auditFor(bookingID), nil
}

func (s *fakeStore) ListAudit(ctx context.Context, f repository.AuditFilter) ([]booking.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []booking.AuditEntry
	for _, e := range s.audit {
		if f.ActorID != nil && (e.ActorID == nil || *e.ActorID != *f.ActorID) {
			continue
		}
		if f.Action != nil && e.Action != *f.Action {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *fakeStore) Enqueue(ctx context.Context, e *repository.Effect) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&fakeTx{s: s}).enqueue(e), nil
}

// fakeTx 在 InTx 持锁期间调用，不再加锁
type fakeTx struct {
	s *fakeStore
}

func (t *fakeTx) InsertBooking(ctx context.Context, b *booking.Booking) error {
	if t.s.failInsert != nil {
		return t.s.failInsert
	}
	if t.s.usedNumbers[b.BookingNumber] {
		return repository.ErrDuplicateNumber
	}
	for _, other := range t.s.bookings {
		if other.ProviderID == b.ProviderID && other.ScheduledAt.Equal(b.ScheduledAt) && !other.Status.IsTerminal() {
			return repository.ErrDuplicateBooking
		}
	}
	t.s.bookings[b.ID] = *b
	t.s.usedNumbers[b.BookingNumber] = true
	return nil
}

func (t *fakeTx) UpdateStatus(ctx context.Context, u repository.StatusUpdate) error {
	b, ok := t.s.bookings[u.BookingID]
	if !ok {
		return repository.ErrBookingNotFound
	}
	matched := false
	for _, st := range u.Expected {
		if b.Status == st {
			matched = true
		}
	}
	if !matched {
		return fmt.Errorf("update %s: %w", u.BookingID, repository.ErrStatusConflict)
	}
	b.Status = u.To
	b.UpdatedAt = u.At
	if u.CancellationReason != "" {
		b.CancellationReason = u.CancellationReason
	}
	if u.DeclineReason != "" {
		b.DeclineReason = u.DeclineReason
	}
	if u.CancelledBy != "" {
		b.CancelledBy = u.CancelledBy
	}
	if u.ConfirmedAt != nil {
		b.ConfirmedAt = u.ConfirmedAt
	}
	if u.CompletedAt != nil {
		b.CompletedAt = u.CompletedAt
	}
	if u.CancelledAt != nil {
		b.CancelledAt = u.CancelledAt
	}
	t.s.bookings[b.ID] = b
	return nil
}

func (t *fakeTx) AppendAudit(ctx context.Context, e *booking.AuditEntry) error {
	t.s.nextID++
	e.ID = t.s.nextID
	t.s.audit = append(t.s.audit, *e)
	return nil
}

func (t *fakeTx) Enqueue(ctx context.Context, e *repository.Effect) (bool, error) {
	return t.enqueue(e), nil
}

// enqueue 与 SQL 一致：同键的 DEAD 记录重新激活
func (t *fakeTx) enqueue(e *repository.Effect) bool {
	if e.Status == "" {
		e.Status = repository.EffectPending
	}
	if e.DedupeKey != "" {
		for i, existing := range t.s.effects {
			if existing.DedupeKey != e.DedupeKey {
				continue
			}
			if existing.Status != repository.EffectDead {
				return false
			}
			existing.Payload = e.Payload
			existing.Attempts = 0
			existing.LastError = ""
			existing.NextAttemptAt = e.NextAttemptAt
			existing.Status = repository.EffectPending
			t.s.effects[i] = existing
			e.ID = existing.ID
			return true
		}
	}
	t.s.nextID++
	e.ID = t.s.nextID
	t.s.effects = append(t.s.effects, *e)
	return true
}

func (t *fakeTx) UpsertPaymentOrder(ctx context.Context, p *booking.Payment) error {
	if existing, ok := t.s.payments[p.BookingID]; ok {
		if existing.Captured() {
			return repository.ErrAlreadyCaptured
		}
		existing.GatewayOrderID = p.GatewayOrderID
		existing.Status = booking.PaymentPending
		t.s.payments[p.BookingID] = existing
		return nil
	}
	t.s.payments[p.BookingID] = *p
	return nil
}

func (t *fakeTx) CapturePayment(ctx context.Context, c repository.Capture) error {
	p, ok := t.s.payments[c.BookingID]
	if ok && p.Status != booking.PaymentPending && p.Status != booking.PaymentFailed {
		return repository.ErrAlreadyCaptured
	}
	for id, other := range t.s.payments {
		if id != c.BookingID && c.GatewayPaymentID != "" && other.GatewayPaymentID == c.GatewayPaymentID {
			return repository.ErrGatewayReused
		}
	}
	if !ok {
		p = booking.Payment{ID: c.PaymentID, BookingID: c.BookingID, CreatedAt: c.At}
	}
	if c.GatewayOrderID != "" {
		p.GatewayOrderID = c.GatewayOrderID
	}
	p.GatewayPaymentID = c.GatewayPaymentID
	p.GatewaySignature = c.Signature
	p.Amount = c.Amount
	p.PlatformFee = c.PlatformFee
	p.Currency = c.Currency
	p.Status = booking.PaymentCaptured
	at := c.At
	p.CapturedAt = &at
	t.s.payments[c.BookingID] = p
	return nil
}

func (t *fakeTx) MarkPaymentFailed(ctx context.Context, bookingID uuid.UUID, gatewayPaymentID string, at time.Time) error {
	p, ok := t.s.payments[bookingID]
	if ok && p.Status == booking.PaymentPending {
		p.Status = booking.PaymentFailed
		if gatewayPaymentID != "" {
			p.GatewayPaymentID = gatewayPaymentID
		}
		t.s.payments[bookingID] = p
	}
	return nil
}

func (t *fakeTx) GetPaymentByBooking(ctx context.Context, bookingID uuid.UUID) (*booking.Payment, error) {
	p, ok := t.s.payments[bookingID]
	if !ok {
		return nil, repository.ErrPaymentNotFound
	}
	return &p, nil
}

func (t *fakeTx) SetRefund(ctx context.Context, bookingID uuid.UUID, refundID string, amount int64, status booking.PaymentStatus, at time.Time) error {
	p, ok := t.s.payments[bookingID]
	if !ok || p.RefundID != "" {
		return repository.ErrRefundAlreadySet
	}
	p.RefundID = refundID
	p.RefundAmount = amount
	p.Status = status
	p.RefundedAt = &at
	t.s.payments[bookingID] = p
	return nil
}

func (t *fakeTx) SetPayout(ctx context.Context, paymentID uuid.UUID, payoutID string, amount int64, at time.Time) error {
	for k, p := range t.s.payments {
		if p.ID != paymentID {
			continue
		}
		if p.PayoutID != "" {
			return repository.ErrPayoutAlreadySet
		}
		p.PayoutID = payoutID
		p.PayoutAmount = amount
		p.PayoutAt = &at
		t.s.payments[k] = p
		return nil
	}
	return repository.ErrPayoutAlreadySet
}

func (t *fakeTx) MarkEventProcessed(ctx context.Context, eventID, event string, at time.Time) (bool, error) {
	if t.s.events[eventID] {
		return false, nil
	}
	t.s.events[eventID] = true
	return true, nil
}

type fakeDirectory struct {
	mu        sync.Mutex
	providers map[uuid.UUID]*directory.Provider
	services  map[uuid.UUID]*directory.ServiceType
	slots     []directory.AvailabilitySlot
	cleared   []uuid.UUID
}

func (d *fakeDirectory) GetProvider(ctx context.Context, id uuid.UUID) (*directory.Provider, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.providers[id]
	if !ok {
		return nil, directory.ErrProviderNotFound
	}
	cp := *p
	return &cp, nil
}

func (d *fakeDirectory) GetServiceType(ctx context.Context, id uuid.UUID) (*directory.ServiceType, error) {
	st, ok := d.services[id]
	if !ok {
		return nil, directory.ErrServiceTypeNotFound
	}
	return st, nil
}

func (d *fakeDirectory) FindAvailability(ctx context.Context, providerID uuid.UUID, date time.Time) ([]directory.AvailabilitySlot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []directory.AvailabilitySlot
	for _, s := range d.slots {
		if s.ProviderID == providerID && s.Date.Equal(date) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (d *fakeDirectory) MarkSlotBooked(ctx context.Context, slotID, bookingID uuid.UUID) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, s := range d.slots {
		if s.ID != slotID {
			continue
		}
		if s.IsBooked && (s.BookingID == nil || *s.BookingID != bookingID) {
			return false, nil
		}
		id := bookingID
		d.slots[i].IsBooked = true
		d.slots[i].BookingID = &id
		return true, nil
	}
	return false, nil
}

func (d *fakeDirectory) ClearSlotBooking(ctx context.Context, slotID, bookingID uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cleared = append(d.cleared, slotID)
	for i, s := range d.slots {
		if s.ID == slotID && s.BookingID != nil && *s.BookingID == bookingID {
			d.slots[i].IsBooked = false
			d.slots[i].BookingID = nil
		}
	}
	return nil
}

type fakeGateway struct {
	mu        sync.Mutex
	orderSeq  int
	validSig  bool
	verifyErr error
	event     *gateway.WebhookEvent
	parseErr  error
	refunds   map[string]string
	payouts   map[string]string
	calls     map[string]int
	// 网关实际收到的金额
	charged []int64
	paidOut []int64
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{validSig: true, refunds: map[string]string{}, payouts: map[string]string{}, calls: map[string]int{}}
}

func (g *fakeGateway) Name() string  { return "fake" }
func (g *fakeGateway) KeyID() string { return "key_fake" }

func (g *fakeGateway) CreateOrder(ctx context.Context, amount int64, currency, reference string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.orderSeq++
	g.calls["order"]++
	g.charged = append(g.charged, amount)
	return fmt.Sprintf("order_%d", g.orderSeq), nil
}

func (g *fakeGateway) VerifySignature(ctx context.Context, orderID, paymentID, signature string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls["verify"]++
	return g.validSig, g.verifyErr
}

// Refund 与真实网关一样按幂等键返回同一退款
func (g *fakeGateway) Refund(ctx context.Context, paymentID string, amount int64, key string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls["refund"]++
	if id, ok := g.refunds[key]; ok {
		return id, nil
	}
	id := fmt.Sprintf("rfnd_%d", len(g.refunds)+1)
	g.refunds[key] = id
	return id, nil
}

func (g *fakeGateway) Payout(ctx context.Context, account string, amount int64, currency, reference, key string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls["payout"]++
	if id, ok := g.payouts[key]; ok {
		return id, nil
	}
	g.paidOut = append(g.paidOut, amount)
	id := fmt.Sprintf("pout_%d", len(g.payouts)+1)
	g.payouts[key] = id
	return id, nil
}

func (g *fakeGateway) ParseWebhook(ctx context.Context, body []byte, header http.Header) (*gateway.WebhookEvent, error) {
	if g.parseErr != nil {
		return nil, g.parseErr
	}
	if g.event == nil {
		return nil, gateway.ErrMalformedWebhook
	}
	ev := *g.event
	return &ev, nil
}

func (g *fakeGateway) count(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[op]
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
	err  error
}

func (n *fakeNotifier) Notify(ctx context.Context, msg notify.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, msg)
	return nil
}

type fakePublisher struct {
	published []uuid.UUID
}

func (p *fakePublisher) PublishStatus(ctx context.Context, bookingID uuid.UUID, data interface{}) error {
	p.published = append(p.published, bookingID)
	return nil
}

var errBoom = errors.New("boom")

// harness 一个服务者、一个服务类型、一天的可预约窗口
type harness struct {
	t        *testing.T
	store    *fakeStore
	dir      *fakeDirectory
	gw       *fakeGateway
	mr       *miniredis.Miniredis
	redis    *redis.Client
	locks    *slotlock.Service
	orch     *Orchestrator
	now      time.Time
	provider *directory.Provider
	service  *directory.ServiceType
	slot     directory.AvailabilitySlot
	customer booking.Actor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	now := time.Date(2026, 4, 14, 8, 0, 0, 0, time.UTC)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	provider := &directory.Provider{
		ID: uuid.New(), UserID: uuid.New(), Name: "Pandit Sharma",
		Verified: true, Available: true, BaseFee: 100000, PayoutAccount: "acc_123",
	}
	service := &directory.ServiceType{ID: uuid.New(), Name: "Griha Pravesh", DurationHours: 2}
	slot := directory.AvailabilitySlot{
		ID: uuid.New(), ProviderID: provider.ID, Date: time.Date(2026, 4, 20, 0, 0, 0, 0, time.UTC),
		StartTime: "09:00:00", EndTime: "13:00:00",
	}
	dir := &fakeDirectory{
		providers: map[uuid.UUID]*directory.Provider{provider.ID: provider},
		services:  map[uuid.UUID]*directory.ServiceType{service.ID: service},
		slots:     []directory.AvailabilitySlot{slot},
	}

	h := &harness{
		t: t, store: newFakeStore(), dir: dir, gw: newFakeGateway(), mr: mr, redis: client,
		locks: slotlock.New(client), now: now, provider: provider, service: service, slot: slot,
		customer: booking.Actor{ID: uuid.New(), Role: booking.RoleCustomer},
	}
	policy, err := booking.NewTieredPolicy(24*time.Hour, 50)
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	h.orch, err = NewOrchestrator(h.store, h.dir, h.locks, h.gw, Options{
		Commission:   decimal.MustNew("10"),
		AcceptWindow: 2 * time.Hour,
		SlotLockTTL:  15 * time.Minute,
		RefundPolicy: policy,
		Now:          func() time.Time { return h.now },
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return h
}

func (h *harness) providerActor() booking.Actor {
	return booking.Actor{ID: h.provider.UserID, Role: booking.RoleProvider, ProviderID: h.provider.ID}
}

func (h *harness) scheduledAt() time.Time {
	return time.Date(2026, 4, 20, 10, 0, 0, 0, time.UTC)
}

func (h *harness) reserve() *booking.Booking {
	h.t.Helper()
	b, err := h.orch.Reserve(context.Background(), h.customer, ReserveRequest{
		ProviderID: h.provider.ID, ServiceTypeID: h.service.ID, ScheduledAt: h.scheduledAt(),
	})
	if err != nil {
		h.t.Fatalf("reserve: %v", err)
	}
	return b
}

// paid 预订并完成支付，停在 AWAITING_PROVIDER
func (h *harness) paid() *booking.Booking {
	h.t.Helper()
	ctx := context.Background()
	b := h.reserve()
	order, err := h.orch.InitiatePayment(ctx, b.ID, h.customer)
	if err != nil {
		h.t.Fatalf("initiate payment: %v", err)
	}
	b, err = h.orch.ConfirmPayment(ctx, b.ID, h.customer, ConfirmRequest{OrderID: order.OrderID, PaymentID: "pay_1", Signature: "sig"})
	if err != nil {
		h.t.Fatalf("confirm payment: %v", err)
	}
	return b
}

func (h *harness) lockHeld(b *booking.Booking) bool {
	return h.mr.Exists(slotlock.Key(b.ProviderID, b.ScheduledAt))
}

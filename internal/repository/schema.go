package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema 预订服务的表结构；bookings 只追加状态，不删除
const Schema = `
CREATE SCHEMA IF NOT EXISTS booking;

CREATE TABLE IF NOT EXISTS booking.bookings (
	id                   UUID PRIMARY KEY,
	booking_number       VARCHAR(16) NOT NULL UNIQUE,
	customer_id          UUID NOT NULL,
	provider_id          UUID NOT NULL,
	service_type_id      UUID NOT NULL,
	slot_id              UUID,
	scheduled_at         TIMESTAMPTZ NOT NULL,
	duration_hours       DOUBLE PRECISION NOT NULL,
	status               VARCHAR(32) NOT NULL,
	base_amount          BIGINT NOT NULL,
	platform_fee         BIGINT NOT NULL,
	total_amount         BIGINT NOT NULL,
	provider_payout      BIGINT NOT NULL,
	currency             VARCHAR(8) NOT NULL DEFAULT 'INR',
	accept_deadline      TIMESTAMPTZ NOT NULL,
	cancellation_reason  TEXT NOT NULL DEFAULT '',
	decline_reason       TEXT NOT NULL DEFAULT '',
	cancelled_by         VARCHAR(16) NOT NULL DEFAULT '',
	address              JSONB,
	special_requirements TEXT NOT NULL DEFAULT '',
	confirmed_at         TIMESTAMPTZ,
	completed_at         TIMESTAMPTZ,
	cancelled_at         TIMESTAMPTZ,
	created_at           TIMESTAMPTZ NOT NULL,
	updated_at           TIMESTAMPTZ NOT NULL
);

-- 同一服务者同一时刻最多一个未终结预订
CREATE UNIQUE INDEX IF NOT EXISTS bookings_live_slot_uniq
	ON booking.bookings (provider_id, scheduled_at)
	WHERE status NOT IN ('COMPLETED', 'CANCELLED', 'DECLINED');
CREATE INDEX IF NOT EXISTS bookings_customer_idx ON booking.bookings (customer_id, created_at DESC);
CREATE INDEX IF NOT EXISTS bookings_provider_idx ON booking.bookings (provider_id, created_at DESC);
CREATE INDEX IF NOT EXISTS bookings_deadline_idx ON booking.bookings (status, accept_deadline);

CREATE TABLE IF NOT EXISTS booking.payments (
	id                 UUID PRIMARY KEY,
	booking_id         UUID NOT NULL UNIQUE REFERENCES booking.bookings(id),
	gateway_order_id   VARCHAR(64) NOT NULL DEFAULT '',
	gateway_payment_id VARCHAR(64) NOT NULL DEFAULT '',
	gateway_signature  VARCHAR(256) NOT NULL DEFAULT '',
	amount             BIGINT NOT NULL,
	platform_fee       BIGINT NOT NULL,
	currency           VARCHAR(8) NOT NULL,
	status             VARCHAR(32) NOT NULL,
	refund_id          VARCHAR(64),
	refund_amount      BIGINT NOT NULL DEFAULT 0,
	refunded_at        TIMESTAMPTZ,
	payout_id          VARCHAR(64),
	payout_amount      BIGINT NOT NULL DEFAULT 0,
	payout_at          TIMESTAMPTZ,
	captured_at        TIMESTAMPTZ,
	created_at         TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL
);

-- 一笔网关订单 / 支付只能对应一个预订
CREATE UNIQUE INDEX IF NOT EXISTS payments_gateway_order_uniq
	ON booking.payments (gateway_order_id) WHERE gateway_order_id <> '';
CREATE UNIQUE INDEX IF NOT EXISTS payments_gateway_payment_uniq
	ON booking.payments (gateway_payment_id) WHERE gateway_payment_id <> '';
CREATE INDEX IF NOT EXISTS payments_created_idx ON booking.payments (created_at DESC);

CREATE TABLE IF NOT EXISTS booking.audit_log (
	id          BIGINT PRIMARY KEY,
	booking_id  UUID NOT NULL REFERENCES booking.bookings(id),
	from_status VARCHAR(32),
	to_status   VARCHAR(32) NOT NULL,
	action      VARCHAR(32) NOT NULL,
	actor_id    UUID,
	actor_role  VARCHAR(16) NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	metadata    JSONB,
	created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_booking_idx ON booking.audit_log (booking_id, created_at, id);
CREATE INDEX IF NOT EXISTS audit_actor_idx ON booking.audit_log (actor_id, created_at DESC);
CREATE INDEX IF NOT EXISTS audit_action_idx ON booking.audit_log (action, created_at DESC);

CREATE TABLE IF NOT EXISTS booking.outbox (
	id              BIGINT PRIMARY KEY,
	kind            VARCHAR(32) NOT NULL,
	booking_id      UUID NOT NULL,
	payload         JSONB NOT NULL,
	dedupe_key      VARCHAR(128) UNIQUE,
	attempts        INT NOT NULL DEFAULT 0,
	max_attempts    INT NOT NULL,
	next_attempt_at TIMESTAMPTZ NOT NULL,
	last_error      TEXT NOT NULL DEFAULT '',
	status          VARCHAR(16) NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	delivered_at    TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS outbox_due_idx ON booking.outbox (status, next_attempt_at);

CREATE TABLE IF NOT EXISTS booking.processed_webhook_events (
	event_id    VARCHAR(128) PRIMARY KEY,
	event       VARCHAR(64) NOT NULL,
	received_at TIMESTAMPTZ NOT NULL
);
`

// Migrate 执行建表语句（幂等）
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("migrate booking schema: %w", err)
	}
	return nil
}

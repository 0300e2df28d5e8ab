package directory

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema 目录表由资料服务维护，这里仅用于本地开发与测试环境建表
const Schema = `
CREATE SCHEMA IF NOT EXISTS directory;

CREATE TABLE IF NOT EXISTS directory.providers (
	id             UUID PRIMARY KEY,
	user_id        UUID NOT NULL UNIQUE,
	name           TEXT NOT NULL,
	is_verified    BOOLEAN NOT NULL DEFAULT FALSE,
	is_available   BOOLEAN NOT NULL DEFAULT TRUE,
	base_fee       NUMERIC(12, 2) NOT NULL,
	payout_account TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS directory.service_types (
	id             UUID PRIMARY KEY,
	name           TEXT NOT NULL,
	duration_hours DOUBLE PRECISION NOT NULL
);

CREATE TABLE IF NOT EXISTS directory.provider_fees (
	provider_id     UUID NOT NULL REFERENCES directory.providers(id),
	service_type_id UUID NOT NULL REFERENCES directory.service_types(id),
	fee             NUMERIC(12, 2) NOT NULL,
	PRIMARY KEY (provider_id, service_type_id)
);

CREATE TABLE IF NOT EXISTS directory.availability_slots (
	id             UUID PRIMARY KEY,
	provider_id    UUID NOT NULL REFERENCES directory.providers(id),
	date           DATE NOT NULL,
	start_time     TIME NOT NULL,
	end_time       TIME NOT NULL,
	is_booked      BOOLEAN NOT NULL DEFAULT FALSE,
	booking_id     UUID,
	is_blocked     BOOLEAN NOT NULL DEFAULT FALSE,
	blocked_reason TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS availability_provider_date_idx ON directory.availability_slots (provider_id, date);
`

// Migrate 执行建表语句（幂等）
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("migrate directory schema: %w", err)
	}
	return nil
}

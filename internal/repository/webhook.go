package repository

import (
	"context"
	"fmt"
	"time"
)

// MarkEventProcessed 记录已处理的网关事件；重复事件返回 false
func (r *queries) MarkEventProcessed(ctx context.Context, eventID, event string, at time.Time) (bool, error) {
	query := `
		INSERT INTO booking.processed_webhook_events (event_id, event, received_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (event_id) DO NOTHING
	`
	res, err := r.q.ExecContext(ctx, query, eventID, event, at.UTC())
	if err != nil {
		return false, fmt.Errorf("mark webhook event: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return rows == 1, nil
}

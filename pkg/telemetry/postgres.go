package telemetry

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
)

// PostgresSink mirrors delivered readings into a PostgreSQL table.
// Inserts are idempotent on (batch_id, slot_id).
type PostgresSink struct {
	db        *sql.DB
	tableName string
}

var _ Sender = (*PostgresSink)(nil)

// OpenPostgres opens a lib/pq connection pool.
func OpenPostgres(connString string) (*sql.DB, error) {
	db, err := sql.Open("postgres", connString)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	return db, nil
}

func NewPostgresSink(db *sql.DB, table string) *PostgresSink {
	return &PostgresSink{db: db, tableName: table}
}

func (p *PostgresSink) Name() string { return "postgres" }

func (p *PostgresSink) Send(ctx context.Context, b Batch) error {
	if len(b.Readings) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(p.tableName)
	sb.WriteString(" (batch_id, device_id, slot_id, weight_kg, ts) VALUES ")

	args := make([]any, 0, len(b.Readings)*5)
	for i, r := range b.Readings {
		if i > 0 {
			sb.WriteString(",")
		}
		n := len(args)
		fmt.Fprintf(&sb, "($%d,$%d,$%d,$%d,$%d)", n+1, n+2, n+3, n+4, n+5)
		args = append(args, b.ID.String(), b.DeviceID, r.Slot, r.WeightKg, r.Timestamp)
	}

	sb.WriteString(" ON CONFLICT (batch_id, slot_id) DO NOTHING")

	if _, err := p.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return &DeliveryError{Kind: ErrDeliveryTransient, Err: err}
	}
	return nil
}

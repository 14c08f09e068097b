package costs

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

// ClickHouseSink persists cost records to a ClickHouse table for analytics.
// This is the home for the dependency the gateway's composition root
// previously left unwired — request metadata used to only reach slog.
type ClickHouseSink struct {
	conn  clickhouse.Conn
	table string
}

// ClickHouseConfig configures the connection to a ClickHouse cluster.
type ClickHouseConfig struct {
	Addr     []string
	Database string
	Username string
	Password string
	Table    string // default: "cost_records"
}

// NewClickHouseSink opens a ClickHouse connection and verifies it with Ping.
func NewClickHouseSink(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseSink, error) {
	table := cfg.Table
	if table == "" {
		table = "cost_records"
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: cfg.Addr,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse: open: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("clickhouse: ping: %w", err)
	}

	return &ClickHouseSink{conn: conn, table: table}, nil
}

// Write inserts a single cost Record with one INSERT. The sink does no
// batching and sets no async-insert option on the connection; the Tracker's
// bounded channel is what smooths bursts.
func (s *ClickHouseSink) Write(ctx context.Context, r Record) error {
	query := fmt.Sprintf(
		"INSERT INTO %s (provider, model_id, input_tokens, output_tokens, cost_usd, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		s.table,
	)
	return s.conn.Exec(ctx, query,
		r.Provider, r.ModelID, r.InputTokens, r.OutputTokens, r.CostUsd, r.At,
	)
}

// Close releases the underlying ClickHouse connection pool.
func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}

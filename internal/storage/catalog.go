package storage

import (
	"context"
	"fmt"

	"github.com/KevinKickass/iotdserver/internal/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the subset of pgxpool.Pool the catalog uses.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

const schema = `
CREATE TABLE IF NOT EXISTS iotd_devices (
	device_id     INTEGER PRIMARY KEY,
	first_seen    TIMESTAMPTZ NOT NULL,
	last_seen     TIMESTAMPTZ NOT NULL,
	connected     BOOLEAN NOT NULL DEFAULT FALSE,
	connection_id TEXT,
	records       BIGINT NOT NULL DEFAULT 0
)`

const upsertActivity = `
INSERT INTO iotd_devices (device_id, first_seen, last_seen, records)
VALUES ($1, $2, $2, $3)
ON CONFLICT (device_id) DO UPDATE
SET last_seen = GREATEST(iotd_devices.last_seen, EXCLUDED.last_seen),
    records   = iotd_devices.records + EXCLUDED.records`

const upsertConnection = `
INSERT INTO iotd_devices (device_id, first_seen, last_seen, connected, connection_id)
VALUES ($1, $2, $2, $3, $4)
ON CONFLICT (device_id) DO UPDATE
SET connected     = EXCLUDED.connected,
    connection_id = EXCLUDED.connection_id,
    last_seen     = GREATEST(iotd_devices.last_seen, EXCLUDED.last_seen)`

// Catalog persists what the server has learned about devices. It is an
// operator aid; telemetry itself lives in the CSV logs.
type Catalog struct {
	db Querier
}

func NewCatalog(db Querier) *Catalog {
	return &Catalog{db: db}
}

func (c *Catalog) Migrate(ctx context.Context) error {
	if _, err := c.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create catalog table: %w", err)
	}
	return nil
}

// ResetConnections marks every device disconnected. Called at start since
// no session survives a restart.
func (c *Catalog) ResetConnections(ctx context.Context) error {
	if _, err := c.db.Exec(ctx, `UPDATE iotd_devices SET connected = FALSE, connection_id = NULL WHERE connected`); err != nil {
		return fmt.Errorf("failed to reset connections: %w", err)
	}
	return nil
}

// RecordActivity adds record counts and bumps last_seen in one transaction.
func (c *Catalog) RecordActivity(ctx context.Context, activity map[types.DeviceID]Activity) error {
	if len(activity) == 0 {
		return nil
	}

	tx, err := c.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for id, a := range activity {
		batch.Queue(upsertActivity, int(id), a.LastSeen, a.Records)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to write device activity: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (c *Catalog) SetConnection(ctx context.Context, change ConnectionChange) error {
	var connID *string
	if change.Connected {
		connID = &change.ConnectionID
	}
	if _, err := c.db.Exec(ctx, upsertConnection, int(change.Device), change.At, change.Connected, connID); err != nil {
		return fmt.Errorf("failed to update connection of %s: %w", change.Device, err)
	}
	return nil
}

func (c *Catalog) ListDevices(ctx context.Context) ([]CatalogDevice, error) {
	rows, err := c.db.Query(ctx, `
		SELECT device_id, first_seen, last_seen, connected, connection_id, records
		FROM iotd_devices
		ORDER BY device_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}

	devices, err := pgx.CollectRows(rows, pgx.RowToStructByName[CatalogDevice])
	if err != nil {
		return nil, fmt.Errorf("failed to scan devices: %w", err)
	}
	return devices, nil
}

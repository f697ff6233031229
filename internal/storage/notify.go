package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Postgres LISTEN/NOTIFY channel names. Writes publish here and the SSE
// broker relays both channels to connected clients.
const (
	ChannelTransitions = "kanshi_transitions"
	ChannelDrift       = "kanshi_drift"
)

// Listen subscribes the dedicated notify connection to the given channels.
// Requires a notify connection; pooled connections cannot LISTEN reliably
// behind a transaction pooler.
func (db *DB) Listen(ctx context.Context, channels ...string) error {
	if db.notifyConn == nil {
		return fmt.Errorf("storage: notify connection not configured")
	}
	for _, ch := range channels {
		if _, err := db.notifyConn.Exec(ctx, "LISTEN "+pgx.Identifier{ch}.Sanitize()); err != nil {
			return fmt.Errorf("storage: listen %s: %w", ch, err)
		}
	}
	return nil
}

// WaitForNotification blocks until the next notification on any subscribed
// channel, returning the channel name and payload.
func (db *DB) WaitForNotification(ctx context.Context) (channel, payload string, err error) {
	if db.notifyConn == nil {
		return "", "", fmt.Errorf("storage: notify connection not configured")
	}
	n, err := db.notifyConn.WaitForNotification(ctx)
	if err != nil {
		return "", "", fmt.Errorf("storage: wait for notification: %w", err)
	}
	return n.Channel, n.Payload, nil
}

// Notify publishes a payload on a channel through the regular pool.
func (db *DB) Notify(ctx context.Context, channel, payload string) error {
	if _, err := db.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload); err != nil {
		return fmt.Errorf("storage: notify %s: %w", channel, err)
	}
	return nil
}

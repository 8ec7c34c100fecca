package listener

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/juju/errors"
)

// Notification is one message received on a LISTEN channel.
type Notification struct {
	Channel string
	Payload string
}

// Conn is an exclusive handle to a connection able to subscribe to a
// notification channel. The Listener is its only user.
type Conn interface {
	// Listen subscribes the connection to channel.
	Listen(ctx context.Context, channel string) error
	// WaitForNotification blocks until a notification arrives. Any error not
	// caused by ctx means the connection is lost.
	WaitForNotification(ctx context.Context) (Notification, error)
	Close(ctx context.Context) error
}

// DialFunc opens a fresh, unsubscribed Conn.
type DialFunc func(ctx context.Context) (Conn, error)

// PgxDialer opens a dedicated (non-pooled) pgx connection per attempt.
// Notifications are delivered only to the session that ran LISTEN, so the
// connection must not come from a pool.
func PgxDialer(connString string) DialFunc {
	return func(ctx context.Context) (Conn, error) {
		c, err := pgx.Connect(ctx, connString)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return &pgxConn{conn: c}, nil
	}
}

type pgxConn struct {
	conn *pgx.Conn
}

func (c *pgxConn) Listen(ctx context.Context, channel string) error {
	_, err := c.conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize())
	return errors.Trace(err)
}

func (c *pgxConn) WaitForNotification(ctx context.Context) (Notification, error) {
	n, err := c.conn.WaitForNotification(ctx)
	if err != nil {
		return Notification{}, err
	}
	return Notification{Channel: n.Channel, Payload: n.Payload}, nil
}

func (c *pgxConn) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}

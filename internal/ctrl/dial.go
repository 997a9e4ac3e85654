// Package ctrl implements the sender side of the Control Channel (spec
// §4.3): a persistent, length-framed TCP connection used to reset the
// receiver's per-round state, collect its summary of a stream, and fetch
// its per-probe timestamps.
package ctrl

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Channel is the sender-side control connection. It is not safe for
// concurrent use across streams (the measurement loop is single-threaded,
// spec §5), but guards its sequence counter regardless.
type Channel struct {
	log  *slog.Logger
	conn net.Conn

	mu  sync.Mutex
	seq uint32
}

// Dial opens the TCP control connection, retrying with exponential backoff
// until it succeeds, ctx is cancelled, or maxElapsed is exceeded. This
// backs spec §4.5's setup_run liveness check, where a persistently
// unreachable receiver is a fatal setup failure (spec §7).
func Dial(ctx context.Context, log *slog.Logger, addr string, dialTimeout, maxElapsed time.Duration) (*Channel, error) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = maxElapsed

	var conn net.Conn
	operation := func() error {
		d := net.Dialer{Timeout: dialTimeout}
		c, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	notify := func(err error, wait time.Duration) {
		log.Warn("control channel dial failed, retrying", "addr", addr, "error", err, "wait", wait)
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(bo, ctx), notify); err != nil {
		return nil, fmt.Errorf("dial control channel %s: %w", addr, err)
	}
	return &Channel{log: log, conn: conn}, nil
}

// Close closes the underlying TCP connection.
func (c *Channel) Close() error {
	return c.conn.Close()
}

// Seq returns the next request sequence number, without consuming it.
// Exposed mainly for tests and diagnostics.
func (c *Channel) Seq() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

package readiness

import (
	"context"
	"net"
	"time"
)

// TCP is ready once Address accepts a connection.
type TCP struct {
	Address  string
	Interval time.Duration
}

func (p TCP) Await(ctx context.Context, _ Target) error {
	return poll(ctx, p.Interval, func(ctx context.Context) error {
		d := net.Dialer{Timeout: time.Second}
		conn, err := d.DialContext(ctx, "tcp", p.Address)
		if err != nil {
			return err
		}
		_ = conn.Close()
		return nil
	})
}

func (p TCP) Describe() string { return "tcp:" + p.Address }

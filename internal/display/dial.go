package display

import (
	"context"
	"fmt"
	"net"
	"time"
)

const dialTimeout = 10 * time.Second

// DialTCP connects to the server at addr. A non-empty bind sets the local
// IP, and with it the identity the server assigns a slot by.
func DialTCP(ctx context.Context, addr, bind string) (net.Conn, error) {
	d := net.Dialer{Timeout: dialTimeout}
	if bind != "" {
		ip := net.ParseIP(bind)
		if ip == nil {
			return nil, fmt.Errorf("invalid bind address %q", bind)
		}
		d.LocalAddr = &net.TCPAddr{IP: ip}
	}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return conn, nil
}

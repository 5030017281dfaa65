// Package transport opens TCP connections to the simulation.
package transport

import (
	"context"
	"fmt"
	"log"
	"net"
	"strconv"
	"syscall"
	"time"
)

// Endpoint is the simulation's listening address
type Endpoint struct {
	IP   string
	Port int
}

func (e Endpoint) Address() string {
	return net.JoinHostPort(e.IP, strconv.Itoa(e.Port))
}

// Dialer connects to a fixed endpoint. The zero KeepAlive keeps the OS
// default.
type Dialer struct {
	Endpoint  Endpoint
	KeepAlive time.Duration
	Logger    *log.Logger
}

func NewDialer(ep Endpoint) *Dialer {
	return &Dialer{
		Endpoint: ep,
		Logger:   log.New(log.Writer(), "[SocketFactory] ", log.Flags()),
	}
}

// Dial opens a new connection. It never retries.
func (d *Dialer) Dial(ctx context.Context) (net.Conn, error) {
	nd := &net.Dialer{
		KeepAlive: d.KeepAlive,
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = setSocketOptions(fd)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
	conn, err := nd.DialContext(ctx, "tcp", d.Endpoint.Address())
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", d.Endpoint.Address(), err)
	}
	if d.Logger != nil {
		d.Logger.Printf("Created new socket to %s", d.Endpoint.Address())
	}
	return conn, nil
}

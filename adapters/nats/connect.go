// Package nats bridges the in-process notification bus onto NATS subjects so
// external observers can follow a node's replication activity without a
// database connection.
package nats

import (
	"os"
	"sync"
	"time"

	natsgo "github.com/nats-io/nats.go"
)

type closeFunc = func()

// Connector opens a NATS connection and returns it together with the release
// function for that lease.
type Connector func() (nc *natsgo.Conn, close closeFunc, err error)

// ReuseConnection makes a Connector hand out one shared connection. Every call
// leases the same connection until all leases are released; the next call
// after that dials again.
func ReuseConnection(connect Connector) Connector {
	var (
		mu      sync.Mutex
		nc      *natsgo.Conn
		release closeFunc
		leases  int
	)
	unlease := func() {
		mu.Lock()
		defer mu.Unlock()
		leases--
		if leases == 0 {
			release()
			nc = nil
		}
	}
	return func() (*natsgo.Conn, closeFunc, error) {
		mu.Lock()
		defer mu.Unlock()
		if nc == nil {
			conn, rel, err := connect()
			if err != nil {
				return nil, nil, err
			}
			nc, release = conn, rel
		}
		leases++
		return nc, unlease, nil
	}
}

// ConnectURL dials the given URL. Notification forwarding is best effort, so
// reconnects are bounded instead of infinite.
func ConnectURL(natsURL string) Connector {
	return func() (*natsgo.Conn, closeFunc, error) {
		nc, err := natsgo.Connect(
			natsURL,
			natsgo.Name("eventcentric"),
			natsgo.MaxReconnects(5),
			natsgo.ReconnectWait(time.Second),
		)
		if err != nil {
			return nil, nil, err
		}
		return nc, func() { nc.Close() }, nil
	}
}

// ConnectDefault dials NATS_URL when set, the local default server otherwise.
func ConnectDefault() Connector {
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		return ConnectURL(natsURL)
	}
	return ConnectURL(natsgo.DefaultURL)
}

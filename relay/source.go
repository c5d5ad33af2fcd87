package relay

import (
	"context"
	"time"
)

// reconnectDelay is the pause between redial attempts after a broker
// connection drops.
const reconnectDelay = 5 * time.Second

// Message is one raw unit of work delivered by a message source
type Message struct {
	Topic string
	Body  []byte
}

// Source is a stream of inbound telemetry messages. Subscribe returns a
// channel that stays open across transport reconnects; the source redials on
// its own until the context is canceled or Shutdown is called.
type Source interface {
	// Name identifies the source in logs and metrics
	Name() string

	Subscribe(ctx context.Context) (<-chan Message, error)
	Shutdown() error
}

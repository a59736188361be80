package realtime

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"busfleet/internal/log"
)

// ConnectNATS dials url with connection state logging.
func ConnectNATS(url string) (*nats.Conn, error) {
	l := log.WithComponent("bridge").With().Str("transport", "nats").Logger()
	return nats.Connect(url,
		nats.Name("busfleet-fleetd"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			l.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			l.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			l.Info().Msg("nats closed")
		}),
	)
}

// NATSBridge implements Bridge over a single NATS subject. It owns the
// connection: Close drops the subscriptions and then closes it.
type NATSBridge struct {
	nc      *nats.Conn
	subject string
	log     zerolog.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewNATSBridge takes ownership of nc; Close closes it.
func NewNATSBridge(nc *nats.Conn, subject string) *NATSBridge {
	if subject == "" {
		subject = DefaultChannel
	}
	return &NATSBridge{nc: nc, subject: subject, log: log.WithComponent("bridge").With().Str("transport", "nats").Logger()}
}

func (b *NATSBridge) Publish(_ context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return b.nc.Publish(b.subject, data)
}

func (b *NATSBridge) Subscribe(_ context.Context, fn func(Message)) error {
	sub, err := b.nc.Subscribe(b.subject, func(m *nats.Msg) {
		var msg Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			b.log.Warn().Err(err).Msg("dropping undecodable bridge message")
			return
		}
		fn(msg)
	})
	if err != nil {
		return err
	}
	// make sure the server has the interest before returning
	if err := b.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return err
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return nil
}

func (b *NATSBridge) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()
	var first error
	for _, s := range subs {
		if err := s.Unsubscribe(); err != nil && first == nil {
			first = err
		}
	}
	b.nc.Close()
	return first
}

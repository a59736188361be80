package realtime

import (
	"context"
	"encoding/json"
	"sync"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"busfleet/internal/log"
)

// DefaultChannel is the pub/sub channel (Redis) or subject (NATS) shared by all instances.
const DefaultChannel = "busfleet.realtime"

// RedisBridge implements Bridge over one Redis Pub/Sub channel. The client is
// owned by the caller; Close only releases the subscription.
type RedisBridge struct {
	rdb     redis.UniversalClient
	channel string
	log     zerolog.Logger

	mu sync.Mutex
	ps []*redis.PubSub
	wg sync.WaitGroup
}

func NewRedisBridge(rdb redis.UniversalClient, channel string) *RedisBridge {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisBridge{rdb: rdb, channel: channel, log: log.WithComponent("bridge").With().Str("transport", "redis").Logger()}
}

func (b *RedisBridge) Publish(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, data).Err()
}

func (b *RedisBridge) Subscribe(ctx context.Context, fn func(Message)) error {
	ps := b.rdb.Subscribe(ctx, b.channel)
	// initial consume to ensure subscription
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return err
	}
	b.mu.Lock()
	b.ps = append(b.ps, ps)
	b.mu.Unlock()

	ch := ps.Channel()
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for m := range ch {
			var msg Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				b.log.Warn().Err(err).Msg("dropping undecodable bridge message")
				continue
			}
			fn(msg)
		}
	}()
	return nil
}

func (b *RedisBridge) Close() error {
	b.mu.Lock()
	ps := b.ps
	b.ps = nil
	b.mu.Unlock()
	var first error
	for _, p := range ps {
		if err := p.Close(); err != nil && first == nil {
			first = err
		}
	}
	b.wg.Wait()
	return first
}

package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
)

// Message is one room broadcast as it travels between instances.
// A socket in several of Rooms receives it once.
type Message struct {
	Rooms  []string        `json:"rooms"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data"`
	Origin string          `json:"origin,omitempty"`
}

// Bridge relays messages between every process sharing it, including the
// publisher itself. Delivery is best-effort and at-most-once.
type Bridge interface {
	Publish(ctx context.Context, msg Message) error
	// Subscribe registers fn for every message and returns once the
	// subscription is live.
	Subscribe(ctx context.Context, fn func(Message)) error
	Close() error
}

// BridgeError wraps a failed publish. It is logged and counted, never
// returned to the caller that triggered the broadcast.
type BridgeError struct {
	Event string
	Err   error
}

func (e *BridgeError) Error() string {
	return fmt.Sprintf("bridge publish %s: %v", e.Event, e.Err)
}

func (e *BridgeError) Unwrap() error { return e.Err }

// MemoryBridge is an in-process loopback. Hubs sharing one instance behave
// like processes sharing a Redis channel.
type MemoryBridge struct {
	mu   sync.RWMutex
	subs []func(Message)
}

func NewMemoryBridge() *MemoryBridge {
	return &MemoryBridge{}
}

func (b *MemoryBridge) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	subs := slices.Clone(b.subs)
	b.mu.RUnlock()
	for _, fn := range subs {
		fn(msg)
	}
	return nil
}

func (b *MemoryBridge) Subscribe(_ context.Context, fn func(Message)) error {
	b.mu.Lock()
	b.subs = append(b.subs, fn)
	b.mu.Unlock()
	return nil
}

func (b *MemoryBridge) Close() error {
	b.mu.Lock()
	b.subs = nil
	b.mu.Unlock()
	return nil
}

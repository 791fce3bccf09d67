package notify

import (
	"context"
	"encoding/json"
	stdsync "sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/msync/internal/bus"
	"github.com/matheus3301/msync/internal/metrics"
)

// Routing keys.
const (
	KeyMessageSent       = "message.sent"
	KeyMessageFailed     = "message.failed"
	KeyConnectionChanged = "connection.changed"
)

const publishTimeout = 5 * time.Second

// Envelope is the JSON body of every published event.
type Envelope struct {
	EventID    string          `json:"event_id"`
	Kind       string          `json:"kind"`
	Profile    string          `json:"profile"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// Forwarder relays bus events to a Publisher.
type Forwarder struct {
	pub     Publisher
	bus     *bus.Bus
	profile string
	logger  *zap.Logger

	cancel context.CancelFunc
	wg     stdsync.WaitGroup
}

// NewForwarder creates a forwarder. Nothing is relayed until Start.
func NewForwarder(pub Publisher, b *bus.Bus, profile string, logger *zap.Logger) *Forwarder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Forwarder{pub: pub, bus: b, profile: profile, logger: logger}
}

func routingKey(kind string) (string, bool) {
	switch kind {
	case bus.KindSendAck:
		return KeyMessageSent, true
	case bus.KindSendFailed:
		return KeyMessageFailed, true
	case bus.KindConnectionChanged:
		return KeyConnectionChanged, true
	}
	return "", false
}

// Start subscribes and relays until Stop.
func (f *Forwarder) Start(ctx context.Context) {
	ctx, f.cancel = context.WithCancel(ctx)
	delivery := f.bus.Subscribe("message.send_", 256)
	conn := f.bus.Subscribe(bus.KindConnectionChanged, 64)

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		defer delivery.Close()
		defer conn.Close()
		for {
			select {
			case evt := <-delivery.C:
				f.forward(ctx, evt)
			case evt := <-conn.C:
				f.forward(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends relaying. Events still buffered are dropped.
func (f *Forwarder) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
	f.wg.Wait()
}

func (f *Forwarder) forward(ctx context.Context, evt bus.Event) {
	key, ok := routingKey(evt.Kind)
	if !ok {
		return
	}
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		f.logger.Error("failed to encode event", zap.String("kind", evt.Kind), zap.Error(err))
		return
	}
	env := Envelope{
		EventID:    uuid.NewString(),
		Kind:       evt.Kind,
		Profile:    f.profile,
		OccurredAt: evt.Timestamp,
		Payload:    payload,
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := f.pub.Publish(ctx, key, env); err != nil {
		metrics.IncNotifyPublishError()
		f.logger.Warn("event publish failed", zap.String("routing_key", key), zap.Error(err))
	}
}

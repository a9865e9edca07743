package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/Delta-44/StepGuard-IoT-FallDetection-sub000/internal/metrics"
	"github.com/Delta-44/StepGuard-IoT-FallDetection-sub000/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrClosed is returned by Subscribe after Close.
var ErrClosed = errors.New("broadcaster closed")

const sinkTimeout = 10 * time.Second

// Directory resolves the audience of a device.
type Directory interface {
	FindOwnerOf(ctx context.Context, mac string) (int64, bool, error)
	FindAssignedObservers(ctx context.Context, ownerID int64) ([]int64, error)
}

// Sink receives every broadcast envelope, best-effort.
type Sink interface {
	Deliver(ctx context.Context, env models.Envelope) error
}

// Subscription is one connected alert stream.
type Subscription struct {
	id       string
	identity int64
	role     models.Role
	ch       chan []byte
}

func (s *Subscription) ID() string { return s.id }
func (s *Subscription) Identity() int64 { return s.identity }
func (s *Subscription) Role() models.Role { return s.role }
func (s *Subscription) Events() <-chan []byte { return s.ch }

// Broadcaster owns the registry of connected observers and pushes each alert
// only to the connections allowed to see it.
type Broadcaster struct {
	directory  Directory
	sink       Sink
	bufferSize int
	logger     *zap.Logger
	metrics    *metrics.Metrics

	mu     sync.RWMutex
	subs   map[string]*Subscription
	closed bool
	sinkWG sync.WaitGroup
}

// NewBroadcaster creates a broadcaster. sink and m may be nil.
func NewBroadcaster(directory Directory, sink Sink, bufferSize int, logger *zap.Logger, m *metrics.Metrics) *Broadcaster {
	if bufferSize <= 0 {
		bufferSize = 16
	}
	return &Broadcaster{
		directory:  directory,
		sink:       sink,
		bufferSize: bufferSize,
		logger:     logger,
		metrics:    m,
		subs:       make(map[string]*Subscription),
	}
}

// Subscribe registers a connection for identity/role.
func (b *Broadcaster) Subscribe(identity int64, role models.Role) (*Subscription, error) {
	sub := &Subscription{
		id:       uuid.New().String(),
		identity: identity,
		role:     role,
		ch:       make(chan []byte, b.bufferSize),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.subs[sub.id] = sub
	n := len(b.subs)
	b.mu.Unlock()

	b.metrics.SetConnectedObservers(n)
	b.logger.Info("Observer connected",
		zap.String("conn_id", sub.id),
		zap.Int64("identity", identity),
		zap.String("role", string(role)),
		zap.Int("connections", n),
	)
	return sub, nil
}

// Unsubscribe removes sub and closes its channel. Safe to call more than once.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	if _, ok := b.subs[sub.id]; !ok {
		b.mu.Unlock()
		return
	}
	delete(b.subs, sub.id)
	close(sub.ch)
	n := len(b.subs)
	b.mu.Unlock()

	b.metrics.SetConnectedObservers(n)
	b.logger.Info("Observer disconnected",
		zap.String("conn_id", sub.id),
		zap.Int("connections", n),
	)
}

func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// audience is the resolved set of identities allowed to see one alert.
type audience struct {
	owner     int64
	hasOwner  bool
	observers map[int64]struct{}
}

func (a audience) matches(sub *Subscription) bool {
	switch sub.role {
	case models.RoleSupervisor:
		return true
	case models.RoleOwner:
		return a.hasOwner && sub.identity == a.owner
	case models.RoleObserver:
		_, ok := a.observers[sub.identity]
		return ok
	}
	return false
}

// resolveAudience looks up owner and observers. Lookup failures narrow the
// audience to supervisors instead of failing the broadcast.
func (b *Broadcaster) resolveAudience(ctx context.Context, mac string) audience {
	aud := audience{observers: map[int64]struct{}{}}
	if b.directory == nil {
		return aud
	}

	owner, found, err := b.directory.FindOwnerOf(ctx, mac)
	if err != nil {
		b.metrics.BestEffortFailure("directory")
		b.logger.Warn("Failed to resolve device owner, delivering to supervisors only",
			zap.String("mac_address", mac),
			zap.Error(err),
		)
		return aud
	}
	if !found {
		return aud
	}
	aud.owner, aud.hasOwner = owner, true

	observers, err := b.directory.FindAssignedObservers(ctx, owner)
	if err != nil {
		b.metrics.BestEffortFailure("directory")
		b.logger.Warn("Failed to resolve assigned observers",
			zap.String("mac_address", mac),
			zap.Int64("owner_id", owner),
			zap.Error(err),
		)
		return aud
	}
	for _, id := range observers {
		aud.observers[id] = struct{}{}
	}
	return aud
}

// Broadcast writes env to every matching connection and returns how many
// received it. Writes never block: a full connection buffer drops the frame.
func (b *Broadcaster) Broadcast(ctx context.Context, env models.Envelope) int {
	mac := env.Data.DeviceMAC
	if mac == "" {
		b.logger.Warn("Dropping alert without device identifier", zap.String("type", env.Type))
		return 0
	}

	aud := b.resolveAudience(ctx, mac)

	payload, err := json.Marshal(env)
	if err != nil {
		b.logger.Error("Failed to serialize alert", zap.String("mac_address", mac), zap.Error(err))
		return 0
	}

	delivered, dropped := 0, 0
	b.mu.RLock()
	closed := b.closed
	for _, sub := range b.subs {
		if !aud.matches(sub) {
			continue
		}
		select {
		case sub.ch <- payload:
			delivered++
		default:
			dropped++
		}
	}
	// Add under the lock so Close cannot be waiting already.
	forward := b.sink != nil && !closed
	if forward {
		b.sinkWG.Add(1)
	}
	b.mu.RUnlock()

	b.metrics.Delivered(delivered)
	b.metrics.Dropped(dropped)
	if dropped > 0 {
		b.logger.Warn("Alert frames dropped on slow connections",
			zap.String("mac_address", mac),
			zap.Int("dropped", dropped),
		)
	}
	b.logger.Info("Alert broadcast",
		zap.String("type", env.Type),
		zap.String("mac_address", mac),
		zap.Int("delivered", delivered),
	)

	if forward {
		go b.deliverToSink(context.WithoutCancel(ctx), env)
	} else if closed && b.sink != nil {
		b.logger.Debug("Broadcaster closed, sink delivery skipped", zap.String("mac_address", mac))
	}
	return delivered
}

func (b *Broadcaster) deliverToSink(ctx context.Context, env models.Envelope) {
	defer b.sinkWG.Done()
	ctx, cancel := context.WithTimeout(ctx, sinkTimeout)
	defer cancel()

	if err := b.sink.Deliver(ctx, env); err != nil {
		b.metrics.BestEffortFailure("notify")
		b.logger.Warn("Notification sink delivery failed",
			zap.String("mac_address", env.Data.DeviceMAC),
			zap.Error(err),
		)
	}
}

// Close tears down every registration and waits for in-flight sink deliveries.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
	b.mu.Unlock()

	b.metrics.SetConnectedObservers(0)
	b.sinkWG.Wait()
}

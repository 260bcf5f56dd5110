// Package node assembles one event-sourcing node: a store for the local
// stream type, the persisted subscription registry, one puller per active
// subscription, the dispatcher and the position tracker, all connected over
// the in-process bus.
package node

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/codewandler/eventcentric-go/core/bus"
	"github.com/codewandler/eventcentric-go/core/dispatch"
	"github.com/codewandler/eventcentric-go/core/es"
	"github.com/codewandler/eventcentric-go/core/pull"
	"github.com/codewandler/eventcentric-go/core/subs"
	"github.com/codewandler/eventcentric-go/ports/storage"
)

type Config struct {
	Context context.Context
	Log     *slog.Logger

	// StreamType is the node's own stream type, the identity it publishes
	// under and subscribes with.
	StreamType string
	Storage    storage.Storage
	Registry   *es.EventRegistry
	Factory    es.Factory
	Handler    dispatch.Handler

	// PullClient is the transport used to poll producers.
	PullClient pull.Client
	Bus        bus.Bus

	PollInterval time.Duration
	PollQuantity int

	DispatchShards    int
	DispatchQueueSize int

	SnapshotTTL             time.Duration
	PersistIncomingPayloads bool
	ConsumerFilter          es.ConsumerFilter
	Metrics                 es.StoreMetrics
}

type Node struct {
	ctx       context.Context
	cancelCtx context.CancelFunc
	log       *slog.Logger

	streamType string
	store      *es.Store
	subs       *subs.Registry
	bus        bus.Bus
	client     pull.Client
	dispatcher *dispatch.Dispatcher
	buffers    *subs.BufferSet

	pollInterval time.Duration
	pollQuantity int

	mu      sync.Mutex
	running bool
	ownBus  bool
	wg      sync.WaitGroup
}

func New(config Config) (n *Node, err error) {
	if config.StreamType == "" {
		return nil, errors.New("stream type is empty")
	}
	if config.Storage == nil {
		return nil, errors.New("storage is nil")
	}
	if config.Factory == nil {
		return nil, errors.New("aggregate factory is nil")
	}
	if config.Handler == nil {
		return nil, errors.New("handler is nil")
	}
	if config.PullClient == nil {
		return nil, errors.New("pull client is nil")
	}

	// === logger ===
	if config.Log == nil {
		config.Log = slog.Default()
	}
	log := config.Log.With(slog.String("node", config.StreamType))

	// === context ===
	if config.Context == nil {
		config.Context = context.Background()
	}

	n = &Node{
		log:          log,
		streamType:   config.StreamType,
		client:       config.PullClient,
		pollInterval: config.PollInterval,
		pollQuantity: config.PollQuantity,
	}
	n.ctx, n.cancelCtx = context.WithCancel(config.Context)

	// === bus ===
	n.bus = config.Bus
	if n.bus == nil {
		n.bus = bus.NewInMemory(log)
		n.ownBus = true
	}

	// === store ===
	n.store, err = es.NewStore(n.ctx, es.StoreConfig{
		Log:                     log,
		StreamType:              config.StreamType,
		Storage:                 config.Storage,
		Registry:                config.Registry,
		Factory:                 config.Factory,
		SnapshotTTL:             config.SnapshotTTL,
		PersistIncomingPayloads: config.PersistIncomingPayloads,
		ConsumerFilter:          config.ConsumerFilter,
		Metrics:                 config.Metrics,
	})
	if err != nil {
		return nil, err
	}

	// === subscriptions ===
	n.subs, err = subs.NewRegistry(subs.RegistryConfig{
		Log:        log,
		StreamType: config.StreamType,
		Storage:    config.Storage,
		Serializer: n.store.Serializer(),
	})
	if err != nil {
		return nil, err
	}
	if err := n.subs.EnsureLoopback(n.ctx); err != nil {
		return nil, err
	}

	active, err := n.subs.Buffers(n.ctx)
	if err != nil {
		return nil, err
	}
	n.buffers = subs.NewBufferSet(active...)

	// === dispatcher ===
	n.dispatcher, err = dispatch.NewDispatcher(dispatch.Config{
		Log:       log,
		Bus:       n.bus,
		Store:     n.store,
		Handler:   config.Handler,
		Shards:    config.DispatchShards,
		QueueSize: config.DispatchQueueSize,
	})
	if err != nil {
		return nil, err
	}

	return n, nil
}

func (n *Node) Store() *es.Store              { return n.store }
func (n *Node) Subscriptions() *subs.Registry { return n.subs }
func (n *Node) Bus() bus.Bus                  { return n.bus }

// Run starts the dispatcher, the position tracker and one puller per active
// subscription. It returns immediately; Stop shuts everything down.
func (n *Node) Run() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running {
		return errors.New("node is already running")
	}
	n.running = true

	// Subscribe both loops before the first puller runs; a notification
	// published before the subscription exists would be lost for good.
	dispatchCh := n.bus.Subscribe()
	trackCh := n.bus.Subscribe()

	n.wg.Add(2)
	go func() {
		defer n.wg.Done()
		n.dispatcher.Run(n.ctx, dispatchCh, n.buffers)
	}()
	go func() {
		defer n.wg.Done()
		n.trackPositions(n.ctx, trackCh)
	}()

	for _, buf := range n.buffers.All() {
		n.startPuller(buf)
	}

	n.log.Info("node started", slog.Int("num_subscriptions", len(n.buffers.All())))
	return nil
}

// Subscribe adds a producer subscription at runtime. The registration is
// idempotent; when the edge already exists nothing changes and false is
// returned.
func (n *Node) Subscribe(ctx context.Context, producerStreamType, url, token string) (bool, error) {
	added, err := n.subs.TryAdd(ctx, producerStreamType, url, token)
	if err != nil || !added {
		return added, err
	}

	buf := subs.NewBuffer(producerStreamType, url, token, -1)
	n.buffers.Add(buf)

	n.mu.Lock()
	running := n.running
	n.mu.Unlock()
	if running {
		n.startPuller(buf)
	}
	return true, nil
}

func (n *Node) startPuller(buf *subs.Buffer) {
	puller := pull.NewPuller(pull.PullerConfig{
		Log:        n.log,
		Bus:        n.bus,
		Client:     n.client,
		Buffer:     buf,
		Serializer: n.store.Serializer(),
		Consumer:   n.streamType,
		Interval:   n.pollInterval,
		Quantity:   n.pollQuantity,
	})
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		puller.Run(n.ctx)
	}()
}

// trackPositions is the bookkeeping loop: every processed event advances the
// safe consumer position and persists it, every poisoned event trips the
// subscription circuit breaker.
func (n *Node) trackPositions(ctx context.Context, ch <-chan any) {
	for {
		select {
		case <-ctx.Done():
			return
		case ntf, ok := <-ch:
			if !ok {
				return
			}
			switch v := ntf.(type) {
			case bus.IncomingEventProcessed:
				buf, ok := n.buffers.Get(v.SubscriptionStreamType)
				if !ok {
					continue
				}
				pos := buf.Ack(v.CollectionVersion)
				if err := n.subs.PersistPositions(ctx, v.SubscriptionStreamType, pos, buf.ProducerPosition()); err != nil {
					n.log.Error("failed to persist consumer position",
						slog.String("producer", v.SubscriptionStreamType),
						slog.Uint64("consumer_position", pos),
						slog.Any("error", err),
					)
				}
			case bus.IncomingEventPoisoned:
				if buf, ok := n.buffers.Get(v.SubscriptionStreamType); ok {
					buf.SetPoisoned()
				}
				if err := n.subs.FlagPoisoned(ctx, v.Event, v.Err); err != nil {
					n.log.Error("failed to flag subscription as poisoned",
						slog.String("producer", v.SubscriptionStreamType),
						slog.Any("error", err),
					)
				}
			}
		}
	}
}

// Stop cancels all workers, waits for them and drains the dispatcher.
func (n *Node) Stop() {
	n.cancelCtx()
	n.wg.Wait()
	n.dispatcher.Close()
	if n.ownBus {
		n.bus.Close()
	}
}

// Run builds and starts a node in one call.
func Run(config Config) (*Node, error) {
	n, err := New(config)
	if err != nil {
		return nil, err
	}
	if err := n.Run(); err != nil {
		return nil, err
	}
	return n, nil
}

package findnet

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/findnet/pkg/work"
	"go.uber.org/multierr"
	"golang.org/x/sync/singleflight"
)

// Node is a find server. It owns its routing table, knowledge base and
// broker cache, so several nodes can live in the same process.
type Node struct {
	config config
	logger *slog.Logger
	msink  metrics.MetricSink

	local   ID
	routing *RoutingTable
	kb      *KnowledgeBase
	broker  Broker
	peers   *PeerClient
	store   *persister

	findQueue     *work.Queue[ID]
	validateQueue *work.Queue[ID]
	inflight      singleflight.Group

	// life ends on shutdown, it bounds the lookups shared between callers.
	life context.Context
	stop context.CancelFunc

	lk       sync.Mutex
	started  bool
	shutdown bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// Create a node from opts. The persisted state, if any, is restored but no
// background work starts before `Node.Start`.
func Create(opts ...Option) (*Node, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	if cfg.localID.IsZero() {
		return nil, fmt.Errorf("%w: a local id is required", ErrInvalidCfg)
	}

	n := &Node{
		local:         cfg.localID,
		routing:       NewRoutingTable(cfg.localID),
		kb:            NewKnowledgeBase(),
		findQueue:     work.NewQueue[ID](),
		validateQueue: work.NewQueue[ID](),
	}

	// Logging implementations.
	if cfg.logHandler != nil {
		n.logger = slog.New(cfg.logHandler)
	} else {
		n.logger = slog.Default()
	}
	n.logger = n.logger.With(slog.String("node", cfg.localID.Short()))

	// Metrics implementations.
	if cfg.msink == nil {
		cfg.msink = metrics.Default()
	}
	n.msink = cfg.msink

	if cfg.httpClient == nil {
		cfg.httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	n.peers = NewPeerClient(cfg.httpClient, cfg.storagePath)

	if cfg.broker == nil {
		if cfg.brokerURL == "" {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, ErrNoBroker)
		}
		cfg.broker = NewHTTPBroker(cfg.brokerURL, cfg.httpClient)
	}
	broker, err := newCachedBroker(cfg.broker, cfg.brokerCacheSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	n.broker = broker
	n.config = cfg

	if cfg.dataDir != "" {
		if err := os.MkdirAll(cfg.dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
		n.store = newPersister(&n.config, n.kb.Snapshot, n.logger)
		if err := n.restore(); err != nil {
			// A corrupted state file only costs us a cold start.
			n.logger.Error("could not restore persisted state", LabelError.L(err))
		}
	}

	n.life, n.stop = context.WithCancel(context.Background())
	return n, nil
}

func (n *Node) restore() error {
	records, err := LoadRecords(n.store.path)
	if err != nil {
		return err
	}
	added := n.kb.Restore(records)
	for _, peer := range n.kb.ContainersOfKind(KindFind) {
		n.routing.Add(peer)
	}
	n.logger.Info(
		"state restored",
		LabelPath.L(n.store.path),
		LabelCount.L(added),
	)
	return nil
}

// Start the background loops: resolution of queued ids, validation of
// known holders and the periodic pick of stale entries. The node also
// bootstraps from the broker. Everything stops on `Node.Shutdown` or when
// ctx is done.
func (n *Node) Start(ctx context.Context) error {
	n.lk.Lock()
	defer n.lk.Unlock()
	if n.shutdown {
		return ErrNodeClosed
	}
	if n.started {
		return ErrNodeStarted
	}
	n.started = true

	ctx, n.cancel = context.WithCancel(ctx)
	n.wg.Add(4)
	go func() {
		defer n.wg.Done()
		if err := n.Bootstrap(ctx); err != nil {
			n.logger.Warn("bootstrap incomplete", LabelError.L(err))
		}
	}()
	go n.resolveLoop(ctx)
	go n.validateLoop(ctx)
	go n.stalePicker(ctx)

	n.logger.Info("node started")
	return nil
}

// Shutdown stops the background loops and writes the state one last time.
func (n *Node) Shutdown() error {
	n.lk.Lock()
	if n.shutdown {
		n.lk.Unlock()
		return nil
	}
	n.shutdown = true
	if n.cancel != nil {
		n.cancel()
	}
	n.stop()
	n.lk.Unlock()

	n.logger.Info("shutdown: wait for loops to finish")
	n.wg.Wait()

	if n.store != nil {
		n.logger.Info("shutdown: persist state")
		return n.store.close()
	}
	return nil
}

// ID of the local node.
func (n *Node) ID() ID {
	return n.local
}

// Knowledge exposes the local knowledge base.
func (n *Node) Knowledge() *KnowledgeBase {
	return n.kb
}

// Routing exposes the local routing table.
func (n *Node) Routing() *RoutingTable {
	return n.routing
}

// Bootstrap learns the find and storage peers registered on the broker.
// Find peers go in the routing table. Errors of both listings are combined.
func (n *Node) Bootstrap(ctx context.Context) error {
	var errs error
	changed := false

	finders, err := n.list(ctx, KindFind)
	errs = multierr.Append(errs, err)
	added := 0
	for _, peer := range finders {
		if peer == n.local {
			continue
		}
		if n.kb.Observe(peer, KindFind) {
			changed = true
		}
		if n.routing.Add(peer) {
			added++
		}
	}

	storages, err := n.list(ctx, KindStorage)
	errs = multierr.Append(errs, err)
	for _, peer := range storages {
		if n.kb.Observe(peer, KindStorage) {
			changed = true
		}
	}

	if changed {
		n.changed()
	}
	n.msink.SetGaugeWithLabels(MetricRoutingSize, float32(n.routing.Size()), n.config.metricLabels)
	n.logger.Debug(
		"bootstrapped from broker",
		slog.Int("finders", len(finders)),
		slog.Int("storages", len(storages)),
		slog.Int("routing_added", added),
	)
	return errs
}

func (n *Node) list(ctx context.Context, kind Kind) ([]ID, error) {
	peers, err := n.broker.List(ctx, kind)
	if err != nil {
		n.logger.Debug("cannot list peers", LabelKind.L(kind), LabelError.L(err))
		return nil, err
	}
	return peers, nil
}

// Answer computes, without any network call, what we tell a peer asking
// for content: the holders we know of, then the peers closer to it. known
// reports whether at least one holder is known.
func (n *Node) Answer(content ID) (answers []Answer, known bool) {
	holders := n.kb.ContainersFor(content)
	closer := n.routing.CloserTo(content, n.config.lookupWidth)

	answers = make([]Answer, 0, len(holders)+len(closer))
	for _, holder := range holders {
		answers = append(answers, Answer{Kind: AnswerHas, ID: holder})
	}
	for _, peer := range closer {
		answers = append(answers, Answer{Kind: AnswerCloser, ID: peer})
	}
	return answers, len(holders) > 0
}

// Enqueue asks the resolve loop to look content up in the background.
func (n *Node) Enqueue(content ID) {
	n.findQueue.Push(content)
}

// changed is called after every mutation of the knowledge base worth
// persisting.
func (n *Node) changed() {
	if n.store != nil {
		n.store.Schedule()
	}
}

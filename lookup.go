package findnet

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/raskyld/findnet/pkg/work"
)

const (
	outcomeLocal    = "local"
	outcomeRouted   = "routed"
	outcomeFallback = "fallback"
	outcomeMiss     = "miss"
)

// Lookup resolves content to the ids of the containers holding it.
//
// The local knowledge base is tried first. Then, the peers of the routing
// table closest to content are asked, the search widening only through the
// CLOSER answers they give. Once any peer answered HAS, no new peer is asked
// but calls already in flight complete and their answers are kept. When the
// routed search found something, every storage node of the network is
// probed directly to confirm it.
//
// Lookup never fails, an empty result means "not found (yet)". Concurrent
// lookups of the same id share a single run which outlives the callers
// giving up on it, up to the shutdown of the node. A caller whose ctx is
// done gets nothing back.
func (n *Node) Lookup(ctx context.Context, content ID) []ID {
	shared := n.inflight.DoChan(content.String(), func() (any, error) {
		ctx, cancel := n.detach(ctx)
		defer cancel()
		return n.lookup(ctx, content), nil
	})
	select {
	case res := <-shared:
		return slices.Clone(res.Val.([]ID))
	case <-ctx.Done():
		return nil
	}
}

// detach keeps the values of ctx but ties its end to the node lifetime.
func (n *Node) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(n.life, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (n *Node) lookup(ctx context.Context, content ID) []ID {
	start := n.config.clk.Now()
	logger := n.logger.With(
		LabelLookupID.L(uuid.NewString()),
		LabelContentID.L(content),
	)

	if holders := n.kb.ContainersFor(content); len(holders) > 0 {
		n.recordLookup(outcomeLocal, start)
		logger.Debug("lookup answered locally", LabelCount.L(len(holders)))
		return holders
	}

	result := n.lookupRouted(ctx, logger, content)
	outcome := outcomeMiss
	if len(result) > 0 {
		outcome = outcomeRouted
		if confirmed := n.lookupStorage(ctx, logger, content); len(confirmed) > 0 {
			outcome = outcomeFallback
			result = append(result, confirmed...)
		}
	}

	result = dedupIDs(result)
	n.recordLookup(outcome, start)
	logger.Debug(
		"lookup done",
		LabelOutcome.L(outcome),
		LabelCount.L(len(result)),
		LabelDuration.L(n.config.clk.Since(start)),
	)
	return result
}

// lookupRouted runs the iterative, self-widening search among find peers.
func (n *Node) lookupRouted(ctx context.Context, logger *slog.Logger, content ID) []ID {
	seeds := n.routing.CloserTo(content, n.config.lookupWidth)
	if len(seeds) == 0 {
		if err := n.Bootstrap(ctx); err != nil {
			logger.Debug("bootstrap before lookup failed", LabelError.L(err))
		}
		seeds = n.routing.CloserTo(content, n.config.lookupWidth)
	}
	if len(seeds) == 0 {
		logger.Debug("no peer to ask")
		return nil
	}

	var (
		checkedLk sync.Mutex
		checked   = map[ID]struct{}{n.local: {}}
		found     atomic.Bool
	)
	isChecked := func(peer ID) bool {
		checkedLk.Lock()
		defer checkedLk.Unlock()
		_, ok := checked[peer]
		return ok
	}
	check := func(peer ID) bool {
		checkedLk.Lock()
		defer checkedLk.Unlock()
		if _, ok := checked[peer]; ok {
			return false
		}
		checked[peer] = struct{}{}
		return true
	}

	mapper := work.NewMapper(func(ctx context.Context, peer ID, schedule work.Schedule[ID]) ([]ID, error) {
		if found.Load() || !check(peer) {
			return nil, nil
		}

		answers, err := n.ask(ctx, logger, peer, content)
		if err != nil {
			return nil, err
		}

		var holders []ID
		changed := false
		for _, answer := range answers {
			switch answer.Kind {
			case AnswerHas:
				if n.kb.RecordHas(content, answer.ID) {
					changed = true
				}
				holders = append(holders, answer.ID)
			case AnswerCloser:
				if isChecked(answer.ID) {
					continue
				}
				if n.kb.Observe(answer.ID, KindFind) {
					changed = true
				}
				// A peer may name a container we know to be something else.
				if n.kb.KindOf(answer.ID) != KindFind {
					continue
				}
				n.routing.Add(answer.ID)
				schedule(answer.ID)
			}
		}

		if len(holders) > 0 {
			found.Store(true)
		}
		if changed {
			n.changed()
		}
		return holders, nil
	}, work.WithLimit(n.config.fanoutLimit))

	mapper.Add(seeds...)
	holders, err := mapper.Collect(ctx)
	if err != nil {
		logger.Debug("some peers did not answer", LabelError.L(err))
	}
	if len(holders) > 0 {
		// Claims from peers are checked once, the stale picker has no
		// reason to come back to them before staleAfter.
		n.kb.MarkValidated(content, n.config.clk.Now())
		n.validateQueue.Push(content)
	}

	checkedLk.Lock()
	asked := len(checked) - 1
	checkedLk.Unlock()
	logger.Debug("routed search done", slog.Int("asked", asked), LabelCount.L(len(holders)))
	return holders
}

// lookupStorage probes every storage node, stopping to dispatch new probes
// once one confirmed it holds content.
func (n *Node) lookupStorage(ctx context.Context, logger *slog.Logger, content ID) []ID {
	storages, err := n.broker.List(ctx, KindStorage)
	if err != nil {
		logger.Debug("cannot list storage peers", LabelError.L(err))
		return nil
	}

	changed := false
	for _, peer := range storages {
		if n.kb.Observe(peer, KindStorage) {
			changed = true
		}
	}
	if changed {
		n.changed()
	}

	var confirmed atomic.Bool
	mapper := work.NewMapper(func(ctx context.Context, peer ID, _ work.Schedule[ID]) ([]ID, error) {
		if confirmed.Load() {
			return nil, nil
		}

		present, err := n.probe(ctx, peer, content)
		if err != nil {
			return nil, err
		}
		if !present {
			return nil, nil
		}

		confirmed.Store(true)
		if n.kb.RecordHas(content, peer) {
			n.changed()
		}
		return []ID{peer}, nil
	}, work.WithLimit(n.config.fanoutLimit))

	mapper.Add(storages...)
	holders, err := mapper.Collect(ctx)
	if err != nil {
		logger.Debug("some storage peers did not answer", LabelError.L(err))
	}
	return holders
}

// ask resolves peer through the broker and sends it a find query.
func (n *Node) ask(ctx context.Context, logger *slog.Logger, peer, content ID) ([]Answer, error) {
	labels := n.config.metricLabels
	n.msink.IncrCounterWithLabels(MetricPeerQueryCount, 1.0, labels)

	info, err := n.broker.Resolve(ctx, peer)
	if err != nil {
		n.msink.IncrCounterWithLabels(MetricPeerQueryErrCount, 1.0, append(slices.Clone(labels), LabelError.M("broker")))
		logger.Debug("peer abstained", LabelPeerID.L(peer), LabelError.L(err))
		return nil, err
	}

	answers, err := n.peers.Find(ctx, info, content)
	if err != nil {
		n.msink.IncrCounterWithLabels(MetricPeerQueryErrCount, 1.0, append(slices.Clone(labels), LabelError.M("peer")))
		logger.Debug("peer abstained", LabelPeerID.L(peer), LabelPeerURL.L(info.URL), LabelError.L(err))
		return nil, err
	}
	return answers, nil
}

// probe resolves a storage peer and checks it serves content.
func (n *Node) probe(ctx context.Context, peer, content ID) (bool, error) {
	outcome := "absent"
	defer func() {
		n.msink.IncrCounterWithLabels(
			MetricProbeCount,
			1.0,
			append(slices.Clone(n.config.metricLabels), LabelOutcome.M(outcome)),
		)
	}()

	info, err := n.broker.Resolve(ctx, peer)
	if err != nil {
		outcome = "error"
		return false, err
	}
	present, err := n.peers.Probe(ctx, info, content)
	if err != nil {
		outcome = "error"
		return false, err
	}
	if present {
		outcome = "present"
	}
	return present, nil
}

func (n *Node) recordLookup(outcome string, start time.Time) {
	labels := append(slices.Clone(n.config.metricLabels), LabelOutcome.M(outcome))
	n.msink.IncrCounterWithLabels(MetricLookupCount, 1.0, labels)
	n.msink.AddSampleWithLabels(
		MetricLookupDurationMs,
		float32(n.config.clk.Since(start).Milliseconds()),
		labels,
	)
}

func dedupIDs(ids []ID) []ID {
	seen := make(map[ID]struct{}, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

package findnet

import (
	"context"
	"fmt"
	"math/rand/v2"
	"slices"

	"github.com/raskyld/findnet/pkg/work"
)

// resolveLoop looks up, in the background, the ids peers asked us about
// and that we did not know.
func (n *Node) resolveLoop(ctx context.Context) {
	defer n.wg.Done()
	for {
		content, err := n.findQueue.Pop(ctx)
		if err != nil {
			return
		}
		n.safely("resolve", func() {
			if n.kb.Known(content) {
				return
			}
			n.Lookup(ctx, content)
		})
	}
}

// validateLoop re-checks the holders of the ids pushed on the validation
// queue.
func (n *Node) validateLoop(ctx context.Context) {
	defer n.wg.Done()
	for {
		content, err := n.validateQueue.Pop(ctx)
		if err != nil {
			return
		}
		n.safely("validate", func() {
			n.Validate(ctx, content)
		})
	}
}

// stalePicker feeds the validation queue with a random id whose holders
// were not validated recently. Picks are jittered so nodes do not probe the
// storage peers in lockstep.
func (n *Node) stalePicker(ctx context.Context) {
	defer n.wg.Done()
	for {
		wait := n.config.validateMin
		if span := n.config.validateMax - n.config.validateMin; span > 0 {
			wait += rand.N(span)
		}

		timer := n.config.clk.Timer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		n.safely("stale", func() {
			if content, ok := n.kb.PickStale(n.config.clk.Now(), n.config.staleAfter); ok {
				n.validateQueue.Push(content)
			}
			n.reportGauges()
		})
	}
}

// Validate probes every known holder of content and forgets the ones which
// do not confirm they still serve it. It returns the dropped holders.
func (n *Node) Validate(ctx context.Context, content ID) (dropped []ID) {
	holders := n.kb.ContainersFor(content)
	if len(holders) == 0 {
		return nil
	}

	mapper := work.NewMapper(func(ctx context.Context, holder ID, _ work.Schedule[ID]) ([]ID, error) {
		present, err := n.probe(ctx, holder, content)
		if err != nil {
			return nil, err
		}
		if !present {
			return nil, nil
		}
		return []ID{holder}, nil
	}, work.WithLimit(n.config.fanoutLimit))
	mapper.Add(holders...)

	confirmed, err := mapper.Collect(ctx)
	if ctx.Err() != nil {
		// Probes were interrupted, they prove nothing.
		return nil
	}
	if err != nil {
		n.logger.Debug("some holders did not answer", LabelContentID.L(content), LabelError.L(err))
	}

	dropped = n.kb.Retain(content, holders, confirmed)
	if len(dropped) > 0 {
		n.msink.IncrCounterWithLabels(MetricValidationDrops, float32(len(dropped)), n.config.metricLabels)
		n.logger.Info(
			"dropped holders which failed validation",
			LabelContentID.L(content),
			LabelCount.L(len(dropped)),
		)
		n.changed()
	}
	return dropped
}

func (n *Node) reportGauges() {
	labels := n.config.metricLabels
	n.msink.SetGaugeWithLabels(MetricQueueDepth, float32(n.findQueue.Len()), append(slices.Clone(labels), LabelQueue.M("find")))
	n.msink.SetGaugeWithLabels(MetricQueueDepth, float32(n.validateQueue.Len()), append(slices.Clone(labels), LabelQueue.M("validate")))
	n.msink.SetGaugeWithLabels(MetricRoutingSize, float32(n.routing.Size()), labels)
}

// safely runs one iteration of a background loop: nothing that happens in
// it may kill the loop.
func (n *Node) safely(loop string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error(
				"background iteration panicked",
				LabelLoop.L(loop),
				LabelError.L(fmt.Sprint(r)),
			)
		}
	}()
	fn()
}

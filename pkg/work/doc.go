// Package work holds the two generic concurrency primitives the lookup
// protocol is built on.
//
// A `Queue` is an unbounded blocking FIFO: producers never wait, a consumer
// loop pops one item at a time.
//
// A `Mapper` is a fan-out over a set of items that can grow while it is
// being drained. Workers receive a `Schedule` callback to add new items to
// the run they belong to, which is how an iterative lookup widens its search
// from the answers it receives:
//
//	m := work.NewMapper(func(ctx context.Context, peer string, schedule work.Schedule[string]) ([]string, error) {
//		closer, err := ask(ctx, peer)
//		if err != nil {
//			return nil, err
//		}
//		schedule(closer...)
//		return []string{peer}, nil
//	})
//	m.Add(seeds...)
//	visited, _ := m.Collect(ctx)
package work

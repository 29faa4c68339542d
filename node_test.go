package findnet

import (
	"context"
	"fmt"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func testLogger(emitter string) *slog.Logger {
	return slog.New(testHandler(emitter))
}

func testHandler(emitter string) slog.Handler {
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:     slog.LevelDebug,
		AddSource: true,
	}).WithAttrs([]slog.Attr{
		{Key: "emitter", Value: slog.StringValue(emitter)},
	})
}

// staticBroker is an in-memory broker.
type staticBroker struct {
	lk    sync.Mutex
	infos map[ID]BrokerInfo
	kinds map[Kind][]ID
	lists map[Kind]int
}

func newStaticBroker() *staticBroker {
	return &staticBroker{
		infos: make(map[ID]BrokerInfo),
		kinds: make(map[Kind][]ID),
		lists: make(map[Kind]int),
	}
}

func (b *staticBroker) register(id ID, kind Kind, url string) {
	b.lk.Lock()
	defer b.lk.Unlock()
	b.infos[id] = BrokerInfo{ID: id, URL: url}
	b.kinds[kind] = append(b.kinds[kind], id)
}

func (b *staticBroker) Resolve(_ context.Context, id ID) (BrokerInfo, error) {
	b.lk.Lock()
	defer b.lk.Unlock()
	info, ok := b.infos[id]
	if !ok {
		return BrokerInfo{}, fmt.Errorf("%w: unknown peer %s", ErrBrokerResolve, id.Short())
	}
	return info, nil
}

func (b *staticBroker) List(_ context.Context, kind Kind) ([]ID, error) {
	b.lk.Lock()
	defer b.lk.Unlock()
	b.lists[kind]++
	return slices.Clone(b.kinds[kind]), nil
}

func (b *staticBroker) listCalls(kind Kind) int {
	b.lk.Lock()
	defer b.lk.Unlock()
	return b.lists[kind]
}

type MockBroker struct {
	mock.Mock
}

func (b *MockBroker) Resolve(_ context.Context, id ID) (BrokerInfo, error) {
	args := b.Called(id)
	return args.Get(0).(BrokerInfo), args.Error(1)
}

func (b *MockBroker) List(_ context.Context, kind Kind) ([]ID, error) {
	args := b.Called(kind)
	return args.Get(0).([]ID), args.Error(1)
}

// newTestNode creates a node served over HTTP and registered on broker as a
// find peer.
func newTestNode(t *testing.T, name string, id ID, broker Broker, opts ...Option) *Node {
	t.Helper()
	opts = append([]Option{
		WithLocalID(id),
		WithBroker(broker),
		WithLog(testHandler(name)),
		WithMetricSink(&metrics.BlackholeSink{}),
	}, opts...)

	n, err := Create(opts...)
	require.NoError(t, err)

	srv := httptest.NewServer(n.Handler())
	if sb, ok := broker.(*staticBroker); ok {
		sb.register(id, KindFind, srv.URL)
	}
	t.Cleanup(func() {
		srv.Close()
		require.NoError(t, n.Shutdown())
	})
	return n
}

func TestNode_Create(t *testing.T) {
	broker := newStaticBroker()

	_, err := Create(WithBroker(broker))
	require.ErrorIs(t, err, ErrInvalidCfg, "a local id is mandatory")

	_, err = Create(WithLocalID(testID(0x01, 0x01)))
	require.ErrorIs(t, err, ErrNoBroker)
	require.ErrorIs(t, err, ErrInvalidCfg)

	_, err = Create(WithLocalID(ID{}), WithBroker(broker))
	require.ErrorIs(t, err, ErrInvalidCfg)

	_, err = Create(
		WithLocalID(testID(0x01, 0x01)),
		WithBroker(broker),
		WithValidateEvery(10*time.Second, time.Second),
	)
	require.ErrorIs(t, err, ErrInvalidCfg)

	n, err := Create(WithLocalID(testID(0x01, 0x01)), WithBrokerURL("http://broker.invalid/"))
	require.NoError(t, err)
	require.Equal(t, testID(0x01, 0x01), n.ID())
}

func TestNode_Lifecycle(t *testing.T) {
	broker := newStaticBroker()
	n := newTestNode(t, "node", testID(0x01, 0x01), broker)

	require.NoError(t, n.Start(context.Background()))
	require.ErrorIs(t, n.Start(context.Background()), ErrNodeStarted)
	require.NoError(t, n.Shutdown())
	require.NoError(t, n.Shutdown(), "shutdown is idempotent")
	require.ErrorIs(t, n.Start(context.Background()), ErrNodeClosed)
}

func TestNode_Bootstrap(t *testing.T) {
	broker := newStaticBroker()
	local := testID(0x01, 0x01)
	finder := testID(0x80, 0x01)
	storage := testID(0x40, 0x01)
	broker.register(finder, KindFind, "http://finder.invalid")
	broker.register(storage, KindStorage, "http://storage.invalid")

	n := newTestNode(t, "node", local, broker)
	require.NoError(t, n.Bootstrap(context.Background()))

	require.Equal(t, []ID{finder}, n.Routing().Peers(), "the node itself is skipped")
	c, ok := n.Knowledge().Container(storage)
	require.True(t, ok)
	require.Equal(t, KindStorage, c.Kind)
	require.False(t, n.Routing().Contains(storage), "storage peers are not routed")

	t.Run("listing failures are combined", func(t *testing.T) {
		failing := &MockBroker{}
		failing.On("List", KindFind).Return([]ID(nil), fmt.Errorf("%w: down", ErrBrokerList)).Once()
		failing.On("List", KindStorage).Return([]ID{storage}, nil).Once()

		n := newTestNode(t, "failing", local, failing)
		err := n.Bootstrap(context.Background())
		require.ErrorIs(t, err, ErrBrokerList)
		_, ok := n.Knowledge().Container(storage)
		require.True(t, ok, "a failed listing does not prevent the other one")
		failing.AssertExpectations(t)
	})
}

func TestNode_Persistence(t *testing.T) {
	dir := t.TempDir()
	broker := newStaticBroker()
	local := testID(0x01, 0x01)
	finder := testID(0x80, 0x01)
	storage := testID(0x40, 0x01)
	content := testID(0xc0, 0x01)

	n, err := Create(
		WithLocalID(local),
		WithBroker(broker),
		WithDataDir(dir),
		WithLog(testHandler("before")),
		WithMetricSink(&metrics.BlackholeSink{}),
	)
	require.NoError(t, err)
	n.Knowledge().Observe(finder, KindFind)
	n.Knowledge().Observe(storage, KindStorage)
	n.Knowledge().RecordHas(content, storage)
	require.NoError(t, n.Shutdown())

	_, err = os.Stat(filepath.Join(dir, StateFileName))
	require.NoError(t, err, "shutdown writes the state file")

	restarted, err := Create(
		WithLocalID(local),
		WithBroker(broker),
		WithDataDir(dir),
		WithLog(testHandler("after")),
		WithMetricSink(&metrics.BlackholeSink{}),
	)
	require.NoError(t, err)
	defer restarted.Shutdown()

	require.Equal(t, []ID{storage}, restarted.Knowledge().ContainersFor(content))
	require.True(t, restarted.Routing().Contains(finder), "restored find peers are routed")
	require.False(t, restarted.Routing().Contains(storage))

	t.Run("corrupted state is a cold start", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, StateFileName), []byte("]"), 0o644))
		n, err := Create(
			WithLocalID(local),
			WithBroker(broker),
			WithDataDir(dir),
			WithLog(testHandler("corrupted")),
			WithMetricSink(&metrics.BlackholeSink{}),
		)
		require.NoError(t, err)
		containers, _ := n.Knowledge().Stats()
		require.Zero(t, containers)
	})
}

func TestNode_Answer(t *testing.T) {
	broker := newStaticBroker()
	n := newTestNode(t, "node", testID(0x01, 0x01), broker, WithLookupWidth(2))
	content := testID(0xc0, 0x01)
	holder := testID(0x40, 0x01)

	for i := byte(0); i < 5; i++ {
		n.Routing().Add(testID(0x80, i))
	}

	answers, known := n.Answer(content)
	require.False(t, known)
	require.Len(t, answers, 2, "closer answers are bounded by the lookup width")

	n.Knowledge().RecordHas(content, holder)
	answers, known = n.Answer(content)
	require.True(t, known)
	require.Len(t, answers, 3)
	require.Equal(t, Answer{Kind: AnswerHas, ID: holder}, answers[0], "holders come first")
	require.Equal(t, AnswerCloser, answers[1].Kind)
	require.Equal(t, AnswerCloser, answers[2].Kind)
}

package findnet

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"
)

func TestRecords_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), StateFileName)

	records, err := LoadRecords(path)
	require.NoError(t, err, "a missing file is a cold start")
	require.Empty(t, records)

	content := testID(0xc0, 0x01)
	storage := testID(0x30, 0x01)
	want := []PersistentRecord{
		{ID: storage, Kind: KindStorage, Has: []ID{content}},
	}
	require.NoError(t, WriteRecords(path, want))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.JSONEq(t, `[{"id":"`+storage.String()+`","kind":"storage","has":["`+content.String()+`"]}]`, string(raw))

	got, err := LoadRecords(path)
	require.NoError(t, err)
	require.Equal(t, want, got)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temporary file is left behind")

	t.Run("corrupted file", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
		_, err := LoadRecords(path)
		require.ErrorIs(t, err, ErrPersistRead)
	})
}

type countingWriter struct {
	lk     sync.Mutex
	writes int
}

func (cw *countingWriter) write(string, []PersistentRecord) error {
	cw.lk.Lock()
	defer cw.lk.Unlock()
	cw.writes++
	return nil
}

func (cw *countingWriter) count() int {
	cw.lk.Lock()
	defer cw.lk.Unlock()
	return cw.writes
}

func newTestPersister(t *testing.T, clk clock.Clock) (*persister, *countingWriter) {
	t.Helper()
	cfg := defaultConfig()
	cfg.dataDir = t.TempDir()
	cfg.clk = clk
	cfg.msink = &metrics.BlackholeSink{}

	kb := NewKnowledgeBase()
	kb.RecordHas(testID(0xc0, 0x01), testID(0x30, 0x01))

	p := newPersister(&cfg, kb.Snapshot, testLogger("persister"))
	cw := &countingWriter{}
	p.write = cw.write
	return p, cw
}

func TestRecords_RejectsUnknownKind(t *testing.T) {
	path := filepath.Join(t.TempDir(), StateFileName)
	raw := `[{"id":"` + testID(0x30, 0x01).String() + `","kind":"cache","has":[]}]`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	_, err := LoadRecords(path)
	require.ErrorIs(t, err, ErrPersistRead)
	require.ErrorIs(t, err, ErrInvalidKind)
}

func TestPersister_Throttle(t *testing.T) {
	mock := clock.NewMock()
	p, cw := newTestPersister(t, mock)

	p.Schedule()
	require.Eventually(t, func() bool {
		return cw.count() == 1
	}, time.Second, time.Millisecond, "the first save is not delayed")

	p.Schedule()
	p.Schedule()
	p.Schedule()
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, cw.count(), "saves wait for the interval to elapse")

	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		return cw.count() == 2
	}, time.Second, 5*time.Millisecond, "merged saves are written once")

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 2, cw.count())

	require.NoError(t, p.close())
	require.Equal(t, 3, cw.count(), "close always performs a final save")

	p.Schedule()
	require.Equal(t, 3, cw.count(), "nothing is saved after close")
}

func TestPersister_CloseFlushesPending(t *testing.T) {
	mock := clock.NewMock()
	p, cw := newTestPersister(t, mock)

	p.Schedule()
	require.Eventually(t, func() bool {
		return cw.count() == 1
	}, time.Second, time.Millisecond)

	// this one waits for a window which never comes.
	p.Schedule()
	require.NoError(t, p.close())
	require.Equal(t, 2, cw.count())
}

func TestPersister_WritesFile(t *testing.T) {
	p, _ := newTestPersister(t, clock.New())
	p.write = WriteRecords

	require.NoError(t, p.Flush())
	records, err := LoadRecords(p.path)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, KindUnknown, records[0].Kind)
}

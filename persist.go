package findnet

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-metrics"
)

// StateFileName is the file, under the data directory, holding the
// knowledge base between restarts.
const StateFileName = "findnet.json"

const defaultPersistInterval = 5 * time.Second

// PersistentRecord is the on-disk form of a `Container`.
type PersistentRecord struct {
	ID   ID   `json:"id"`
	Kind Kind `json:"kind"`
	Has  []ID `json:"has"`
}

// LoadRecords reads the records saved at path. A missing file is not an
// error, it just means we start from scratch.
func LoadRecords(path string) ([]PersistentRecord, error) {
	buf, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistRead, err)
	}

	var records []PersistentRecord
	if err := json.Unmarshal(buf, &records); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrPersistRead, path, err)
	}
	return records, nil
}

// WriteRecords replaces the file at path with records. The content is
// written to a temporary file first so a crash never leaves a torn file.
func WriteRecords(path string, records []PersistentRecord) error {
	if records == nil {
		records = []PersistentRecord{}
	}
	buf, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPersistWrite, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPersistWrite, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %w", ErrPersistWrite, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistWrite, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistWrite, err)
	}
	return nil
}

// persister saves snapshots in the background.
//
// At most one write is in flight at any time and two writes are at least
// `interval` apart. A save requested while another one is waiting for its
// window is merged into it.
type persister struct {
	path     string
	interval time.Duration
	clk      clock.Clock
	logger   *slog.Logger
	msink    metrics.MetricSink
	mLabels  []metrics.Label
	snapshot func() []PersistentRecord
	write    func(string, []PersistentRecord) error

	lk      sync.Mutex
	pending bool
	closed  bool
	last    time.Time
	closeCh chan struct{}
	wg      sync.WaitGroup

	writeLk sync.Mutex
}

func newPersister(cfg *config, snapshot func() []PersistentRecord, logger *slog.Logger) *persister {
	return &persister{
		path:     filepath.Join(cfg.dataDir, StateFileName),
		interval: cfg.persistInterval,
		clk:      cfg.clk,
		logger:   logger,
		msink:    cfg.msink,
		mLabels:  cfg.metricLabels,
		snapshot: snapshot,
		write:    WriteRecords,
		closeCh:  make(chan struct{}),
	}
}

// Schedule asks for the current state to be saved and returns immediately.
func (p *persister) Schedule() {
	p.lk.Lock()
	defer p.lk.Unlock()
	if p.pending || p.closed {
		return
	}
	p.pending = true
	wait := p.interval - p.clk.Since(p.last)
	p.wg.Add(1)
	go p.flushAfter(wait)
}

func (p *persister) flushAfter(wait time.Duration) {
	defer p.wg.Done()
	if wait > 0 {
		timer := p.clk.Timer(wait)
		select {
		case <-timer.C:
		case <-p.closeCh:
			timer.Stop()
			return
		}
	}

	p.lk.Lock()
	p.pending = false
	p.last = p.clk.Now()
	p.lk.Unlock()

	if err := p.Flush(); err != nil {
		p.logger.Error("failed to persist state, will retry on next change", LabelError.L(err))
	}
}

// Flush synchronously writes the current state.
func (p *persister) Flush() error {
	p.writeLk.Lock()
	defer p.writeLk.Unlock()

	records := p.snapshot()
	if err := p.write(p.path, records); err != nil {
		p.msink.IncrCounterWithLabels(MetricPersistErrCount, 1.0, p.mLabels)
		return err
	}
	p.msink.IncrCounterWithLabels(MetricPersistCount, 1.0, p.mLabels)
	p.logger.Debug("state persisted", LabelPath.L(p.path), LabelCount.L(len(records)))
	return nil
}

// close cancels any waiting save and performs a final one.
func (p *persister) close() error {
	p.lk.Lock()
	if p.closed {
		p.lk.Unlock()
		return nil
	}
	p.closed = true
	close(p.closeCh)
	p.lk.Unlock()

	p.wg.Wait()
	return p.Flush()
}

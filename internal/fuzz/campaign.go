package fuzz

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	glog "github.com/zboralski/firmhook/internal/log"
)

// Worker is one fuzzing client: a harness over its own emulator plus the
// coverage map that emulator writes into.
type Worker struct {
	ID       int
	Harness  *Harness
	Coverage *Coverage
	// Close releases the worker's emulator. May be nil.
	Close func() error
}

// WorkerFactory boots an independent target for worker id.
type WorkerFactory func(id int) (*Worker, error)

// Campaign coordinates workers sharing one corpus and one virgin map.
type Campaign struct {
	Workers   int
	NewWorker WorkerFactory
	Corpus    *Corpus
	Virgin    *Virgin
	Stats     *Stats

	MaxInputSize int
	Seed         uint64
	// MaxExecs stops the campaign after this many executions; 0 runs until
	// the context is cancelled.
	MaxExecs uint64
	// PinCPUs binds worker i to CPU i.
	PinCPUs bool
}

// NewCampaign returns a campaign with fresh shared state.
func NewCampaign(workers int, corpus *Corpus, factory WorkerFactory) *Campaign {
	if workers < 1 {
		workers = 1
	}
	return &Campaign{
		Workers:      workers,
		NewWorker:    factory,
		Corpus:       corpus,
		Virgin:       NewVirgin(),
		Stats:        NewStats(),
		MaxInputSize: MinInputSize,
	}
}

// Report snapshots campaign statistics.
func (c *Campaign) Report() Report {
	r := c.Stats.report()
	r.Corpus = c.Corpus.Len()
	r.Edges = c.Virgin.Edges()
	r.Workers = c.Workers
	return r
}

var errBudgetSpent = errors.New("execution budget spent")

// Run starts every worker and blocks until ctx is cancelled, MaxExecs is
// reached or a worker fails. Cancellation and an exhausted budget are not
// errors.
func (c *Campaign) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < c.Workers; i++ {
		id := i
		g.Go(func() error {
			return c.work(ctx, id)
		})
	}
	err := g.Wait()
	if errors.Is(err, errBudgetSpent) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *Campaign) work(ctx context.Context, id int) error {
	log := glog.L
	if log != nil {
		log = log.Worker(id)
	}

	if c.PinCPUs {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		if err := pinToCPU(id); err != nil && log != nil {
			log.Warn("cpu affinity", zap.Error(err))
		}
	}

	w, err := c.NewWorker(id)
	if err != nil {
		return fmt.Errorf("worker %d: %w", id, err)
	}
	if w.Close != nil {
		defer w.Close()
	}
	if log != nil {
		log.Info("worker started", zap.Int("corpus", c.Corpus.Len()))
	}

	// Each worker replays its share of the seeds before mutating.
	for i := id; i < c.Corpus.Len(); i += c.Workers {
		if err := c.exec(ctx, w, c.Corpus.Get(i)); err != nil {
			return err
		}
	}

	mut := NewMutator(c.Seed+uint64(id), c.MaxInputSize)
	for {
		in := c.Corpus.Random(mut.Rand())
		other := c.Corpus.Random(mut.Rand())
		if err := c.exec(ctx, w, mut.Mutate(in, other)); err != nil {
			return err
		}
	}
}

func (c *Campaign) exec(ctx context.Context, w *Worker, input []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.MaxExecs > 0 && c.Stats.Execs() >= c.MaxExecs {
		return errBudgetSpent
	}

	w.Coverage.Reset()
	kind, err := w.Harness.Execute(input)
	if err != nil {
		return fmt.Errorf("worker %d: %w", w.ID, err)
	}
	c.Stats.Record(kind)

	if kind != ExitOK {
		path, err := c.Corpus.SaveCrash(kind, input, w.Harness.LastBacktrace)
		if err != nil {
			return fmt.Errorf("worker %d: %w", w.ID, err)
		}
		if glog.L != nil {
			glog.L.Info("objective", zap.Int("worker", w.ID), zap.Stringer("kind", kind), zap.String("path", path))
		}
		return nil
	}

	if c.Virgin.Merge(w.Coverage) && c.Corpus.Add(input) && glog.L != nil {
		glog.L.Debug("new coverage", zap.Int("worker", w.ID), zap.Int("edges", c.Virgin.Edges()))
	}
	return nil
}

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zboralski/firmhook/internal/boot"
	"github.com/zboralski/firmhook/internal/config"
	"github.com/zboralski/firmhook/internal/fuzz"
	glog "github.com/zboralski/firmhook/internal/log"
	"github.com/zboralski/firmhook/internal/ui/colorize"
)

type fuzzFlags struct {
	maxExecs uint64
	seed     uint64
	noPin    bool
}

func newFuzzCmd() *cobra.Command {
	var ff fuzzFlags
	cmd := &cobra.Command{
		Use:   "fuzz",
		Short: "Run a coverage-guided campaign against the fuzz target",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			cfg.Fuzz = true
			if err := cfg.Validate(); err != nil {
				return err
			}
			return fuzzWith(cmd.Context(), cfg, ff)
		},
	}
	cmd.Flags().Uint64Var(&ff.maxExecs, "execs", 0, "stop after this many executions (0 runs until interrupted)")
	cmd.Flags().Uint64Var(&ff.seed, "seed", 0, "mutator seed (0 picks one from the clock)")
	cmd.Flags().BoolVar(&ff.noPin, "no-pin", false, "do not pin workers to CPUs")
	return cmd
}

func fuzzWith(ctx context.Context, cfg *config.Config, ff fuzzFlags) error {
	ctx, stop := signalContext(ctx)
	defer stop()

	corpus := fuzz.NewCorpus(cfg.CorpusDir, cfg.CrashesDir)
	n, err := corpus.Load()
	if err != nil {
		return err
	}
	glog.L.Info("corpus loaded", zap.String("dir", cfg.CorpusDir), zap.Int("seeds", n), zap.Int("entries", corpus.Len()))

	camp := fuzz.NewCampaign(int(cfg.Cores), corpus, workerFactory(cfg))
	camp.MaxInputSize = int(cfg.MaxInputSize)
	camp.MaxExecs = ff.maxExecs
	camp.PinCPUs = !ff.noPin
	camp.Seed = ff.seed
	if camp.Seed == 0 {
		camp.Seed = uint64(time.Now().UnixNano())
	}

	fmt.Printf("%s firmhook ─ fuzzing %s  %s %s  %s %d\n",
		colorize.Header("▶"), cfg.Firmware,
		colorize.Detail("target:"), colorize.Address(uint32(cfg.FuzzTargetAddress)),
		colorize.Detail("clients:"), camp.Workers)

	monCtx, cancelMon := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		fuzz.Monitor(monCtx, os.Stdout, camp.Report, fuzz.DefaultInterval)
	}()

	if cfg.BrokerPort != 0 {
		broker := fuzz.NewBroker(int(cfg.BrokerPort), camp.Report)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := broker.Serve(monCtx); err != nil {
				glog.L.Error("broker", zap.Error(err))
			}
		}()
		glog.L.Info("broker listening", zap.String("addr", broker.Addr))
	}

	err = camp.Run(ctx)
	cancelMon()
	wg.Wait()
	return err
}

// workerFactory boots an independent emulator per worker and snapshots it at
// the fuzz target.
func workerFactory(cfg *config.Config) fuzz.WorkerFactory {
	target := uint32(cfg.FuzzTargetAddress)
	ret := uint32(cfg.FuzzTargetReturnAddress)
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second

	return func(id int) (*fuzz.Worker, error) {
		t, err := newTarget(cfg)
		if err != nil {
			return nil, err
		}
		if !verbose {
			t.engine.Out = io.Discard
		}

		seq := boot.New(t.emu, t.dispatcher, true, target)
		snap, err := seq.Boot()
		if err != nil {
			t.Close()
			return nil, err
		}
		glog.L.Worker(id).Debug("booted", zap.Stringer("outcome", seq.Outcome), zap.Int("stops", seq.Stops))

		cov := fuzz.NewCoverage()
		if err := t.emu.EnableCoverage(cov.Bits()); err != nil {
			t.Close()
			return nil, err
		}
		h, err := fuzz.NewHarness(t.emu, t.dispatcher, snap, target, ret, timeout, int(cfg.MaxInputSize))
		if err != nil {
			t.Close()
			return nil, err
		}
		return &fuzz.Worker{ID: id, Harness: h, Coverage: cov, Close: t.Close}, nil
	}
}

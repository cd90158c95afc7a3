// Command ferry moves huge delimited files into a relational sink in
// resumable chunks. Datasets are declared in a YAML config; sink credentials
// come from the environment or a .env file next to the binary.
//
// Exit codes: 0 when every selected dataset completed, 3 when a run finished
// but left skipped chunks behind for the next invocation, 1 on fatal errors.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"ferry/internal/config"
	"ferry/internal/ledger"
	"ferry/internal/logging"
	"ferry/internal/metrics"
	"ferry/internal/metrics/prompush"
	"ferry/internal/sink"
	"ferry/internal/source"
	"ferry/internal/split"
	"ferry/internal/transfer"
)

func main() {
	os.Exit(run())
}

func run() int {
	// .env is optional and must load before flag defaults read the
	// environment.
	_ = godotenv.Load()

	var (
		cfgPath    string
		dataset    string
		workers    int
		logLevel   string
		logFormat  string
		metricsFlg string
		pushURL    string
		status     bool
		reset      bool
	)
	flag.StringVar(&cfgPath, "config", envOrDefault("FERRY_CONFIG", "configs/ferry.yaml"), "dataset config YAML path")
	flag.StringVar(&dataset, "dataset", envOrDefault("FERRY_DATASET", "all"), "dataset name to run, or all")
	flag.IntVar(&workers, "workers", 0, "override the configured worker count (0 keeps the config value)")
	flag.StringVar(&logLevel, "log-level", envOrDefault("FERRY_LOG_LEVEL", "info"), "log level: debug, info, warn, error")
	flag.StringVar(&logFormat, "log-format", envOrDefault("FERRY_LOG_FORMAT", "console"), "log format: console or json")
	flag.StringVar(&metricsFlg, "metrics", envOrDefault("METRICS_BACKEND", "none"), "metrics backend: none or pushgateway")
	flag.StringVar(&pushURL, "pushgateway-url", envOrDefault("PUSHGATEWAY_URL", "http://localhost:9091"), "Pushgateway base URL")
	flag.BoolVar(&status, "status", false, "report split and ledger state for the selected datasets, then exit")
	flag.BoolVar(&reset, "reset", false, "wipe chunks and recorded progress for the selected datasets, then exit")
	flag.Parse()

	logger, err := logging.Setup(logging.Config{Level: logLevel, Format: logFormat})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer logger.Sync()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("config", zap.Error(err))
		return 1
	}
	names := cfg.Names()
	if dataset != "all" {
		if _, ok := cfg.Datasets[dataset]; !ok {
			logger.Error("unknown dataset",
				zap.String("dataset", dataset), zap.Strings("known", names))
			return 1
		}
		names = []string{dataset}
	}

	if status {
		for _, name := range names {
			printStatus(cfg.Datasets[name])
		}
		return 0
	}
	if reset {
		for _, name := range names {
			if err := resetDataset(logger, cfg.Datasets[name]); err != nil {
				logger.Error("reset failed", zap.String("dataset", name), zap.Error(err))
				return 1
			}
		}
		return 0
	}

	mb := metrics.Backend(metrics.Nop())
	switch metricsFlg {
	case "pushgateway":
		b, err := prompush.NewBackend("ferry", pushURL)
		if err != nil {
			logger.Warn("metrics disabled", zap.Error(err))
		} else {
			logger.Info("metrics", zap.String("backend", metricsFlg), zap.String("url", pushURL))
			mb = b
			defer func() {
				if err := mb.Flush(); err != nil {
					logger.Warn("metrics flush", zap.Error(err))
				}
			}()
		}
	case "none":
	default:
		logger.Warn("unknown metrics backend, metrics disabled", zap.String("backend", metricsFlg))
	}

	senv, err := config.LoadSinkEnv()
	if err != nil {
		logger.Error("sink environment", zap.Error(err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	exit := 0
	for _, name := range names {
		ds := cfg.Datasets[name]
		runLog := logging.WithRun(logger, uuid.NewString()).With(zap.String("dataset", name))
		complete, err := runDataset(ctx, runLog, ds, senv, mb, workers)
		if err != nil {
			runLog.Error("dataset failed", zap.Error(err))
			exit = 1
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if !complete && exit == 0 {
			exit = 3
		}
	}
	return exit
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// subRun is one orchestrated transfer. Directory sources fan out into one
// sub-run per file, each with its own table, chunk directory and ledger.
type subRun struct {
	ds   config.Dataset
	sink config.SinkConfig
	src  source.File
}

func subRuns(ds *config.Dataset) ([]subRun, error) {
	expanded, err := expandSource(ds)
	if err != nil {
		return nil, err
	}
	files, err := source.Locate(expanded)
	if err != nil {
		return nil, err
	}
	multi := len(files) > 1
	runs := make([]subRun, 0, len(files))
	for _, f := range files {
		d := *ds
		s := ds.Sink
		if multi {
			s.Table = s.Table + "_" + f.Key
			d.SplitDir = filepath.Join(ds.SplitDir, f.Key)
			d.LedgerPath = ds.LedgerPath + "." + f.Key
		}
		runs = append(runs, subRun{ds: d, sink: s, src: f})
	}
	return runs, nil
}

func expandSource(ds *config.Dataset) (string, error) {
	fi, err := os.Stat(ds.Source)
	if err != nil {
		return "", err
	}
	if fi.IsDir() {
		return ds.Source, nil
	}
	return source.Expand(ds.Source, ds.WorkDir)
}

func runDataset(ctx context.Context, log *zap.Logger, ds *config.Dataset, senv config.SinkEnv, mb metrics.Backend, workers int) (bool, error) {
	if workers > 0 {
		ds.Workers = workers
	}
	dsn, err := senv.ResolveDSN(ds.Sink)
	if err != nil {
		return false, err
	}
	runs, err := subRuns(ds)
	if err != nil {
		return false, fmt.Errorf("locate source: %w", err)
	}

	complete := true
	for i := range runs {
		r := &runs[i]
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		sc := sink.Config{Kind: r.sink.Kind, Schema: r.sink.Schema, Table: r.sink.Table, DSN: dsn}
		orch := transfer.New(transfer.Options{
			Dataset: &r.ds,
			Sink:    sc,
			Log:     log.With(zap.String("table", sc.Table)),
			Metrics: mb,
		})
		sum, err := orch.Run(ctx, r.src)
		if err != nil {
			return false, err
		}
		if !sum.Complete {
			complete = false
		}
	}
	return complete, nil
}

// printStatus reports, per sub-run, how far the transfer has come. The
// report reads only the manifest and the ledger; it never touches the sink.
func printStatus(ds *config.Dataset) {
	runs, err := subRuns(ds)
	if err != nil {
		fmt.Printf("%s: source unavailable: %v\n", ds.Name, err)
		return
	}
	for _, r := range runs {
		set, err := ledger.Load(r.ds.LedgerPath)
		if err != nil {
			fmt.Printf("%s: %s: ledger unreadable: %v\n", ds.Name, r.src.Path, err)
			continue
		}
		man, err := split.ReadManifest(r.ds.SplitDir)
		switch {
		case err != nil:
			fmt.Printf("%s: %s: manifest unreadable: %v\n", ds.Name, r.src.Path, err)
		case man == nil:
			fmt.Printf("%s: %s -> %s: not split yet, %d chunks recorded\n",
				ds.Name, r.src.Path, r.sink.Table, len(set))
		default:
			fmt.Printf("%s: %s -> %s: %d chunks, %d recorded, %d pending, %d data rows\n",
				ds.Name, r.src.Path, r.sink.Table,
				man.Chunks, len(set), man.Chunks-len(set), man.DataRows)
		}
	}
}

// resetDataset removes every chunk file, manifest and ledger for a dataset,
// including the per-file state of directory sources. Expanded archives stay;
// they are reused by fingerprint.
func resetDataset(log *zap.Logger, ds *config.Dataset) error {
	if err := os.RemoveAll(ds.SplitDir); err != nil {
		return err
	}
	if err := ledger.Clear(ds.LedgerPath); err != nil {
		return err
	}
	derived, err := filepath.Glob(ds.LedgerPath + ".*")
	if err != nil {
		return err
	}
	for _, path := range derived {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	log.Info("dataset state reset",
		zap.String("dataset", ds.Name),
		zap.String("split_dir", ds.SplitDir),
		zap.String("ledger", ds.LedgerPath))
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"can-logger/ingestion/internal/auth"
	"can-logger/ingestion/internal/catalog"
	"can-logger/ingestion/internal/config"
	"can-logger/ingestion/internal/downsample"
	"can-logger/ingestion/internal/metrics"
	"can-logger/ingestion/internal/notify"
	"can-logger/ingestion/internal/pipeline"
	"can-logger/ingestion/internal/rules"
	"can-logger/ingestion/internal/source"
	"can-logger/ingestion/internal/store"
	transport "can-logger/ingestion/internal/transport/http"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const shutdownTimeout = 15 * time.Second

var (
	verbose     bool
	clearTables bool
	replayFile  string
	serialPort  string
	radioPort   string
	catalogPath string
	wallClock   bool
)

var rootCmd = &cobra.Command{
	Use:   "can-ingestion",
	Short: "CAN telemetry ingestion, alerting and downsampling service",
	Long: `can-ingestion reads CAN frames from a replayed debug log, a live serial
probe or a radio receiver, evaluates alert rules on every frame, stores the
decoded signals in Postgres and serves downsampled series over HTTP.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()

		cfg := config.Load()
		flags := cmd.Flags()
		if flags.Changed("replay") {
			cfg.ReplayFile = replayFile
		}
		if flags.Changed("serial") {
			cfg.SerialPort = serialPort
		}
		if flags.Changed("radio") {
			cfg.RadioPort = radioPort
		}
		if flags.Changed("catalog") {
			cfg.CatalogPath = catalogPath
		}
		if flags.Changed("wall-clock") {
			cfg.ReplayWallClock = wallClock
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		return run(ctx, cfg, newLogger(verbose))
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("can-ingestion %s (commit: %s, built: %s)\n", version, commit, date)
	},
}

func init() {
	f := rootCmd.Flags()
	f.BoolVarP(&verbose, "verbose", "v", false, "show debug logs")
	f.BoolVar(&clearTables, "clear", false, "truncate every signal table before ingesting")
	f.StringVar(&replayFile, "replay", "", "replay a debug .log file (env: REPLAY_FILE)")
	f.StringVar(&serialPort, "serial", "", `live serial port, or "auto" to discover the debug probe (env: SERIAL_PORT)`)
	f.StringVar(&radioPort, "radio", "", `radio serial port, or "auto" to discover the receiver (env: RADIO_PORT)`)
	f.StringVar(&catalogPath, "catalog", "", "frame catalog definition (env: CATALOG_PATH)")
	f.BoolVar(&wallClock, "wall-clock", false, "stamp replayed frames with time since start (env: REPLAY_WALL_CLOCK)")

	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	clock := clockwork.NewRealClock()

	if cfg.MetricsAddr != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go serveMetrics(log, cfg.MetricsAddr)
	}

	cat, err := catalog.Load(log, cfg.CatalogPath)
	if err != nil {
		return fmt.Errorf("failed to load catalog: %w", err)
	}
	schema := cat.Schema()
	log.Info("catalog loaded", "path", cfg.CatalogPath, "messages", len(schema.Messages), "fault_signals", len(cat.FaultSignals()))

	writerDB, err := store.NewPostgresStore(ctx, cfg.DSN(cfg.DBWriterMaxConn))
	if err != nil {
		return err
	}
	defer writerDB.Close()
	alertDB, err := store.NewPostgresStore(ctx, cfg.DSN(cfg.DBAlertMaxConn))
	if err != nil {
		return err
	}
	defer alertDB.Close()
	readerDB, err := store.NewPostgresStore(ctx, cfg.DSN(cfg.DBReaderMaxConn))
	if err != nil {
		return err
	}
	defer readerDB.Close()

	// Tables exist before any producer starts.
	if err := alertDB.CreateAlertTables(ctx); err != nil {
		return err
	}
	if err := writerDB.CreateSignalTables(ctx, schema); err != nil {
		return err
	}
	if clearTables {
		if err := writerDB.ClearSignalTables(ctx, schema); err != nil {
			return err
		}
		log.Info("signal tables cleared")
	}

	hub := notify.NewHub(log)
	notifiers := notify.Multi{hub}
	health := map[string]transport.Pinger{"postgres": readerDB}
	stateSize := 0

	var (
		redisStore *store.RedisStore
		keyLookup  auth.KeyLookup
	)
	if cfg.RedisEnabled {
		redisStore, err = store.NewRedisStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer redisStore.Close()
		notifiers = append(notifiers, notify.NewRedis(redisStore))
		health["redis"] = redisStore
		keyLookup = redisStore
		stateSize = cfg.StateChannelSize
	}

	ruleSet := rules.NewSet(log, alertDB, clock, cfg.RuleRefresh())
	if err := ruleSet.Refresh(ctx); err != nil {
		return fmt.Errorf("failed to load alert rules: %w", err)
	}
	ruleService := rules.NewService(log, alertDB, ruleSet, schema)

	evaluator := pipeline.NewAlertEvaluator(log, ruleSet, alertDB, notifiers, cat, clock)
	queue := pipeline.NewQueue()
	dispatcher := pipeline.NewDispatcher(log, cat, evaluator, queue, stateSize)

	producers, err := buildProducers(log, cfg, dispatcher, source.NewEpoch(clock))
	if err != nil {
		return err
	}

	// The consumer outlives the producers so the final drain sees every
	// queued frame.
	guard := store.NewWriteGuard(log, writerDB, cfg.DBWriteMaxAttempts, cfg.DBWriteBackoff())
	dbWriter := pipeline.NewDBWriter(log, queue, guard, schema, cfg.DBFlushInterval(), clock)
	consumerCtx, stopConsumer := context.WithCancel(context.WithoutCancel(ctx))
	defer stopConsumer()
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		dbWriter.Run(consumerCtx)
	}()

	go hub.Run(ctx)
	go ruleSet.Run(ctx)
	if redisStore != nil {
		go pipeline.NewStateWriter(log, dispatcher.StateChan, redisStore, clock).Run(ctx)
	}
	if cfg.CatalogWatch {
		go func() {
			if err := cat.Watch(ctx); err != nil {
				log.Warn("catalog watch stopped", "error", err)
			}
		}()
	}

	downsampler := downsample.NewService(log, readerDB, schema, cfg.DownsampleWorkers)
	defer downsampler.Close()

	authenticator := auth.NewAuthenticator(log, cfg.ValidAPIKeys, cfg.AuthCacheTTL(), keyLookup)
	deps := transport.Deps{
		Log:        log,
		Rules:      ruleService,
		Downsample: downsampler,
		Catalog:    cat,
		Auth:       transport.NewAuthMiddleware(authenticator),
		Alerts:     hub.ServeWS,
		Health:     health,
	}
	if redisStore != nil {
		deps.State = redisStore
	}
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           transport.NewRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srvErr := make(chan error, 1)
	go func() {
		log.Info("http server listening", "address", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()

	var wg sync.WaitGroup
	for _, p := range producers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info("producer started", "source", p.Name())
			if err := p.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("producer stopped", "source", p.Name(), "error", err)
				return
			}
			log.Info("producer finished", "source", p.Name())
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case runErr = <-srvErr:
		log.Error("http server failed", "error", runErr)
	}
	cancel()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown", "error", err)
	}

	wg.Wait()
	stopConsumer()
	<-consumerDone
	guard.Close()
	log.Info("shutdown complete", "queued", queue.Len())
	return runErr
}

// buildProducers opens every configured frame source. Serial ports set to
// config.AutoPort are discovered by their USB product description.
func buildProducers(log *slog.Logger, cfg *config.Config, sink source.FrameSink, epoch source.Epoch) ([]source.Producer, error) {
	var producers []source.Producer

	if cfg.ReplayFile != "" {
		producers = append(producers, source.NewReplay(log, source.ReplayConfig{
			Path:      cfg.ReplayFile,
			Pace:      cfg.ReplayPace(),
			WallClock: cfg.ReplayWallClock,
		}, sink, epoch))
	}
	if cfg.SerialPort != "" {
		port, err := openPort(log, cfg.SerialPort, cfg.SerialBaud, source.LivePortHints)
		if err != nil {
			return nil, fmt.Errorf("live source: %w", err)
		}
		producers = append(producers, source.NewLive(log, port, sink, epoch))
	}
	if cfg.RadioPort != "" {
		port, err := openPort(log, cfg.RadioPort, cfg.RadioBaud, source.RadioPortHints)
		if err != nil {
			return nil, fmt.Errorf("radio source: %w", err)
		}
		producers = append(producers, source.NewRadio(log, port, sink, epoch))
	}
	return producers, nil
}

func openPort(log *slog.Logger, name string, baud int, hints []string) (io.ReadCloser, error) {
	if name == config.AutoPort {
		found, err := source.FindPort(hints...)
		if err != nil {
			return nil, err
		}
		log.Info("serial port discovered", "port", found, "hints", hints)
		name = found
	}
	return source.OpenSerial(name, baud)
}

func serveMetrics(log *slog.Logger, addr string) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		log.Error("failed to start prometheus metrics server listener", "error", err)
		return
	}
	log.Info("prometheus metrics server listening", "address", listener.Addr().String())
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.Serve(listener, mux); err != nil {
		log.Error("prometheus metrics server stopped", "error", err)
	}
}

func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Value = slog.StringValue(a.Value.Time().UTC().Format("2006-01-02T15:04:05.000Z07:00"))
			}
			return a
		},
	}))
}

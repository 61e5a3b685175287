package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/mldesk/mldesk/internal/config"
	"github.com/mldesk/mldesk/internal/event"
	"github.com/mldesk/mldesk/internal/history"
	historyfactory "github.com/mldesk/mldesk/internal/history/factory"
	"github.com/mldesk/mldesk/internal/httpserve"
	"github.com/mldesk/mldesk/internal/infer"
	"github.com/mldesk/mldesk/internal/langserv"
	"github.com/mldesk/mldesk/internal/metrics"
	"github.com/mldesk/mldesk/internal/ollama"
	"github.com/mldesk/mldesk/internal/pyenv"
	"github.com/mldesk/mldesk/internal/script"
	"github.com/mldesk/mldesk/internal/server"
	"github.com/mldesk/mldesk/internal/store"
	storefactory "github.com/mldesk/mldesk/internal/store/factory"
	"github.com/mldesk/mldesk/internal/worker"
)

func createServeCommand(gf *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the backend until interrupted",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runServe(gf)
		},
	}
}

func resolveConfig(gf *GlobalFlags) (config.FileConfig, error) {
	if gf.ConfigPath != "" {
		return config.Load(gf.ConfigPath)
	}
	dataDir := gf.DataDir
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return config.FileConfig{}, fmt.Errorf("resolve home directory: %w", err)
		}
		dataDir = filepath.Join(home, ".mldesk")
	}
	return config.Default(dataDir), nil
}

func runServe(gf *GlobalFlags) error {
	cfg, err := resolveConfig(gf)
	if err != nil {
		return err
	}
	for _, dir := range []string{cfg.DataDir, cfg.PIDDir, cfg.Log.Dir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	cfg.Log.Setup()

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		slog.Warn("metrics registration failed", "err", err)
	}

	st, err := storefactory.NewFromDSN(cfg.Store.DSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()
	if err := st.EnsureSchema(context.Background()); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	var sink history.Sink
	if cfg.History.DSN != "" {
		sink, err = historyfactory.NewSinkFromDSN(cfg.History.DSN)
		if err != nil {
			slog.Warn("history sink unavailable, lifecycle export disabled", "err", err)
			sink = nil
		}
	}

	markers, err := worker.NewMarkerDir(cfg.PIDDir)
	if err != nil {
		return fmt.Errorf("marker dir: %w", err)
	}
	if orphans := markers.CleanupOrphans(worker.LongLivedKinds); len(orphans) > 0 {
		slog.Info("cleaned up orphaned workers from previous session", "kinds", orphans)
	}

	python, err := resolvePython(cfg, st)
	if err != nil {
		return err
	}

	bus := event.NewBus()
	runner := script.NewRunner(bus)
	inferSrv := infer.NewServer(bus, markers)
	inferSrv.SetTimeouts(cfg.Worker.LoadTimeout, cfg.Worker.PredictTimeout)
	serveSrv := httpserve.NewServer(bus, markers)
	serveSrv.SetStartTimeout(cfg.Worker.StartTimeout)
	lang := langserv.NewClient(bus, markers)
	lang.SetTimeouts(cfg.Worker.RequestTimeout, cfg.Worker.InitializeTimeout)
	if cfg.Worker.MaxRestarts > 0 {
		lang.SetRestartPolicy(worker.RestartPolicy{
			MaxRestarts: cfg.Worker.MaxRestarts,
			Backoff:     worker.DefaultBackoff,
		})
	}

	bridgeDone := make(chan struct{})
	if sink != nil {
		ch, cancel := bus.Subscribe(256)
		go bridgeHistory(ch, sink, bridgeDone)
		defer func() {
			cancel()
			<-bridgeDone
			if c, ok := sink.(interface{ Close() error }); ok {
				_ = c.Close()
			}
		}()
	}

	deps := server.Deps{
		Bus:             bus,
		Store:           st,
		Script:          runner,
		Infer:           inferSrv,
		HTTP:            serveSrv,
		Lang:            lang,
		Ollama:          ollama.NewClient(cfg.Ollama.BaseURL),
		Python:          python,
		DataDir:         cfg.DataDir,
		CompletionModel: cfg.Ollama.CompletionModel,
		EmbeddingModel:  cfg.Ollama.EmbeddingModel,
	}
	srv := server.NewServer(cfg.Server.Listen, "/api", deps)
	slog.Info("mldesk backend listening", "addr", cfg.Server.Listen, "python", python, "data_dir", cfg.DataDir)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig.String())

	stopWorkers(runner, inferSrv, serveSrv, lang)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		_ = srv.Close()
	}
	return nil
}

// resolvePython picks the interpreter: explicit config path wins, then
// the bundled/saved/system resolution order.
func resolvePython(cfg config.FileConfig, st store.Store) (string, error) {
	if cfg.Python.Path != "" {
		if _, err := pyenv.Version(cfg.Python.Path); err != nil {
			return "", fmt.Errorf("configured python unusable: %w", err)
		}
		return cfg.Python.Path, nil
	}
	lookup := func(key string) (string, bool) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		v, err := st.GetSetting(ctx, key)
		if err != nil {
			return "", false
		}
		return v, true
	}
	info, err := pyenv.Find(cfg.Python.BundleDir, lookup)
	if err != nil {
		return "", err
	}
	return info.Path, nil
}

func stopWorkers(runner *script.Runner, inferSrv *infer.Server, serveSrv *httpserve.Server, lang *langserv.Client) {
	if runner.Running() {
		_ = runner.Cancel()
	}
	stops := []struct {
		name string
		stop func() error
	}{
		{"inference", inferSrv.Stop},
		{"httpserve", serveSrv.Stop},
		{"langserver", lang.Stop},
	}
	for _, s := range stops {
		if err := s.stop(); err != nil && !errors.Is(err, worker.ErrNotRunning) {
			slog.Warn("worker stop failed", "worker", s.name, "err", err)
		}
	}
}

// bridgeHistory forwards worker lifecycle transitions from the event
// bus to the configured history sink. Export is best-effort.
func bridgeHistory(ch <-chan event.Event, sink history.Sink, done chan<- struct{}) {
	defer close(done)
	for ev := range ch {
		he, ok := translateEvent(ev)
		if !ok {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := sink.Send(ctx, he); err != nil {
			slog.Debug("history export failed", "err", err)
		}
		cancel()
	}
}

func translateEvent(ev event.Event) (history.Event, bool) {
	switch ev.Topic {
	case event.TopicWorker:
		payload, ok := ev.Payload.(map[string]any)
		if !ok {
			return history.Event{}, false
		}
		kind, _ := payload["kind"].(string)
		graceful, _ := payload["graceful"].(bool)
		exitCode, _ := payload["exit_code"].(int)
		typ := history.EventCrash
		if graceful {
			typ = history.EventStop
		}
		return history.Event{Type: typ, Kind: kind, ExitCode: exitCode, OccurredAt: ev.At}, true
	case event.TopicLspRestarted:
		return history.Event{Type: history.EventRestart, Kind: string(worker.KindLangServer), OccurredAt: ev.At}, true
	case event.TopicLspFailed:
		return history.Event{Type: history.EventGiveUp, Kind: string(worker.KindLangServer), OccurredAt: ev.At}, true
	default:
		return history.Event{}, false
	}
}

package mldesk

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

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

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Event = event.Event

type Bus = event.Bus

type Store = store.Store

type Run = store.Run

type Pipeline = store.Pipeline

type Model = store.Model

type ModelVersion = store.ModelVersion

type HistorySink = history.Sink

type HistoryEvent = history.Event

type PythonInfo = pyenv.Info

type Config = config.FileConfig

// Deps carries the collaborators the HTTP surface dispatches to.
type Deps = server.Deps

func NewBus() *Bus { return event.NewBus() }

// NewMarkerDir prepares the PID marker directory used for orphan
// cleanup across restarts of the host application.
func NewMarkerDir(dir string) (*worker.MarkerDir, error) { return worker.NewMarkerDir(dir) }

// CleanupOrphans kills leftover long-lived workers recorded in markers.
func CleanupOrphans(m *worker.MarkerDir) []worker.Kind {
	return m.CleanupOrphans(worker.LongLivedKinds)
}

func NewScriptRunner(bus *Bus) *script.Runner { return script.NewRunner(bus) }

func NewInferenceServer(bus *Bus, m *worker.MarkerDir) *infer.Server {
	return infer.NewServer(bus, m)
}

func NewModelServer(bus *Bus, m *worker.MarkerDir) *httpserve.Server {
	return httpserve.NewServer(bus, m)
}

func NewLangClient(bus *Bus, m *worker.MarkerDir) *langserv.Client {
	return langserv.NewClient(bus, m)
}

func NewOllamaClient(baseURL string) *ollama.Client { return ollama.NewClient(baseURL) }

// NewStoreFromDSN opens the registry store. Bare paths and sqlite://
// DSNs use the embedded database; postgres:// uses PostgreSQL.
func NewStoreFromDSN(dsn string) (Store, error) { return storefactory.NewFromDSN(dsn) }

// NewHistorySinkFromDSN opens an optional lifecycle export sink
// (sqlite, postgres, or clickhouse DSNs).
func NewHistorySinkFromDSN(dsn string) (HistorySink, error) {
	return historyfactory.NewSinkFromDSN(dsn)
}

// FindPython resolves the interpreter used for worker processes.
func FindPython(bundleDir string, saved pyenv.SettingLookup) (PythonInfo, error) {
	return pyenv.Find(bundleDir, saved)
}

func LoadConfig(path string) (Config, error) { return config.Load(path) }

func DefaultConfig(dataDir string) Config { return config.Default(dataDir) }

// NewRouterHandler returns an http.Handler with the full REST/SSE
// surface mounted under basePath, for embedding in an existing mux.
func NewRouterHandler(deps Deps, basePath string) http.Handler {
	return server.NewRouter(deps, basePath).Handler()
}

// NewHTTPServer starts a standalone HTTP server exposing the API.
func NewHTTPServer(addr, basePath string, deps Deps) *http.Server {
	return server.NewServer(addr, basePath, deps)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
func MetricsHandler() http.Handler                  { return metrics.Handler() }

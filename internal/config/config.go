// Package config loads the app's TOML configuration.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/mldesk/mldesk/internal/logger"
)

// FileConfig represents the top-level TOML structure.
type FileConfig struct {
	DataDir string        `toml:"data_dir" mapstructure:"data_dir"`
	PIDDir  string        `toml:"pid_dir" mapstructure:"pid_dir"`
	Server  ServerConfig  `toml:"server" mapstructure:"server"`
	Store   StoreConfig   `toml:"store" mapstructure:"store"`
	History HistoryConfig `toml:"history" mapstructure:"history"`
	Log     logger.Config `toml:"log" mapstructure:"log"`
	Python  PythonConfig  `toml:"python" mapstructure:"python"`
	Ollama  OllamaConfig  `toml:"ollama" mapstructure:"ollama"`
	Worker  WorkerConfig  `toml:"worker" mapstructure:"worker"`
}

// ServerConfig is the local REST/SSE bridge.
type ServerConfig struct {
	Listen string `toml:"listen" mapstructure:"listen"`
}

type StoreConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

// HistoryConfig configures the optional lifecycle event sink.
// An empty DSN disables export.
type HistoryConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

type PythonConfig struct {
	// Path overrides runtime discovery entirely.
	Path string `toml:"path" mapstructure:"path"`
	// BundleDir points at a shipped runtime, checked before PATH.
	BundleDir string `toml:"bundle_dir" mapstructure:"bundle_dir"`
}

type OllamaConfig struct {
	BaseURL         string `toml:"base_url" mapstructure:"base_url"`
	CompletionModel string `toml:"completion_model" mapstructure:"completion_model"`
	EmbeddingModel  string `toml:"embedding_model" mapstructure:"embedding_model"`
}

// WorkerConfig tunes supervision. Zero values fall back to the
// compiled-in defaults of each worker package.
type WorkerConfig struct {
	PredictTimeout    time.Duration `toml:"predict_timeout" mapstructure:"predict_timeout"`
	LoadTimeout       time.Duration `toml:"load_timeout" mapstructure:"load_timeout"`
	StartTimeout      time.Duration `toml:"start_timeout" mapstructure:"start_timeout"`
	RequestTimeout    time.Duration `toml:"request_timeout" mapstructure:"request_timeout"`
	InitializeTimeout time.Duration `toml:"initialize_timeout" mapstructure:"initialize_timeout"`
	MaxRestarts       int           `toml:"max_restarts" mapstructure:"max_restarts"`
}

// Default returns the configuration used when no file is given.
// Everything lands under dataDir.
func Default(dataDir string) FileConfig {
	return FileConfig{
		DataDir: dataDir,
		PIDDir:  dataDir,
		Server:  ServerConfig{Listen: "127.0.0.1:8317"},
		Store:   StoreConfig{DSN: filepath.Join(dataDir, "mldesk.db")},
		Log: logger.Config{
			Level: "info",
			Dir:   filepath.Join(dataDir, "logs"),
		},
		Ollama: OllamaConfig{
			BaseURL:         "http://localhost:11434",
			CompletionModel: "llama3.2:3b",
			EmbeddingModel:  "nomic-embed-text",
		},
	}
}

// Load reads a TOML file and fills unset fields from Default.
func Load(path string) (FileConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return FileConfig{}, fmt.Errorf("read config: %w", err)
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return FileConfig{}, fmt.Errorf("parse config: %w", err)
	}
	if fc.DataDir == "" {
		fc.DataDir = filepath.Dir(path)
	}
	applyDefaults(&fc)
	return fc, nil
}

func applyDefaults(fc *FileConfig) {
	def := Default(fc.DataDir)
	if fc.PIDDir == "" {
		fc.PIDDir = def.PIDDir
	}
	if fc.Server.Listen == "" {
		fc.Server.Listen = def.Server.Listen
	}
	if fc.Store.DSN == "" {
		fc.Store.DSN = def.Store.DSN
	}
	if fc.Log.Level == "" {
		fc.Log.Level = def.Log.Level
	}
	if fc.Log.Dir == "" {
		fc.Log.Dir = def.Log.Dir
	}
	if fc.Ollama.BaseURL == "" {
		fc.Ollama.BaseURL = def.Ollama.BaseURL
	}
	if fc.Ollama.CompletionModel == "" {
		fc.Ollama.CompletionModel = def.Ollama.CompletionModel
	}
	if fc.Ollama.EmbeddingModel == "" {
		fc.Ollama.EmbeddingModel = def.Ollama.EmbeddingModel
	}
}

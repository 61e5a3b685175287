package logger

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

func closeIf(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}

func TestWritersWithDir(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Dir: dir}
	outW, errW, err := cfg.Writers("inference")
	if err != nil {
		t.Fatalf("Writers error: %v", err)
	}
	if outW == nil || errW == nil {
		t.Fatalf("expected both writers non-nil when Dir is set")
	}
	_, _ = outW.Write([]byte("hello-out\n"))
	_, _ = errW.Write([]byte("hello-err\n"))
	closeIf(outW)
	closeIf(errW)
	if _, err := os.Stat(filepath.Join(dir, "inference.stdout.log")); err != nil {
		t.Fatalf("stdout log not created: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "inference.stderr.log")); err != nil {
		t.Fatalf("stderr log not created: %v", err)
	}
}

func TestWritersWithoutDir(t *testing.T) {
	outW, errW, err := Config{}.Writers("script")
	if err != nil {
		t.Fatalf("Writers error: %v", err)
	}
	if outW != nil || errW != nil {
		t.Fatalf("expected nil writers when no Dir set")
	}
}

func TestWritersRotationDefaults(t *testing.T) {
	cfg := Config{Dir: t.TempDir()}
	outW, _, err := cfg.Writers("langserv")
	if err != nil {
		t.Fatalf("Writers error: %v", err)
	}
	ol, ok := outW.(*lj.Logger)
	if !ok {
		t.Fatalf("writer is not lumberjack.Logger")
	}
	if ol.MaxSize != DefaultMaxSizeMB || ol.MaxBackups != DefaultMaxBackups || ol.MaxAge != DefaultMaxAgeDays {
		t.Fatalf("unexpected defaults: size=%d backups=%d age=%d", ol.MaxSize, ol.MaxBackups, ol.MaxAge)
	}
	closeIf(outW)
}

func TestWritersRotationOverrides(t *testing.T) {
	cfg := Config{Dir: t.TempDir(), MaxSizeMB: 1, MaxBackups: 9, MaxAgeDays: 11, Compress: true}
	outW, _, err := cfg.Writers("httpserve")
	if err != nil {
		t.Fatalf("Writers error: %v", err)
	}
	ol := outW.(*lj.Logger)
	if ol.MaxSize != 1 || ol.MaxBackups != 9 || ol.MaxAge != 11 || !ol.Compress {
		t.Fatalf("overrides not applied: size=%d backups=%d age=%d compress=%t",
			ol.MaxSize, ol.MaxBackups, ol.MaxAge, ol.Compress)
	}
	closeIf(outW)
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewSloggerFormats(t *testing.T) {
	for _, cfg := range []Config{
		{Format: "json", Level: "debug"},
		{Format: "text"},
		{Color: true},
	} {
		if l := cfg.NewSlogger(); l == nil {
			t.Fatalf("NewSlogger returned nil for %+v", cfg)
		}
	}
}

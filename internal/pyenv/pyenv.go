// Package pyenv locates a usable Python interpreter for worker
// processes. Resolution order: bundled runtime, saved setting, active
// virtualenv, PATH lookup, then well-known system locations.
package pyenv

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// Info describes the interpreter that will run workers.
type Info struct {
	Path      string `json:"path"`
	Version   string `json:"version"`
	IsBundled bool   `json:"is_bundled"`
}

// Bundle verification errors.
var (
	ErrManifestInvalid = errors.New("bundle manifest missing or invalid")
	ErrBinaryMissing   = errors.New("python binary missing")
	ErrNotExecutable   = errors.New("python not executable")
	ErrImportFailed    = errors.New("import verification failed")
	ErrCorrupted       = errors.New("bundle corrupted")
)

// fallbackPaths are probed last, in order.
var fallbackPaths = []string{
	"/opt/homebrew/bin/python3",
	"/usr/local/bin/python3",
	"/usr/bin/python3",
}

// criticalImports must load for the bundled runtime to be considered
// usable; they cover the training and serving scripts' dependencies.
const criticalImports = "import sklearn, pandas, numpy, joblib, optuna, shap, fastapi; print('BUNDLE_OK')"

// SettingLookup resolves a saved preference, typically backed by the
// settings store. A nil lookup skips that step.
type SettingLookup func(key string) (string, bool)

// Find resolves the interpreter. bundleDir may be empty when the
// application ships without a bundled runtime.
func Find(bundleDir string, saved SettingLookup) (Info, error) {
	if bundleDir != "" {
		if info, err := detectBundled(bundleDir); err == nil {
			slog.Info("using bundled python", "path", info.Path, "version", info.Version)
			return info, nil
		} else {
			slog.Warn("bundled python unusable", "err", err)
		}
	}

	if saved != nil {
		if path, ok := saved("python_path"); ok && path != "" {
			if v, err := Version(path); err == nil {
				return Info{Path: path, Version: v}, nil
			}
			slog.Warn("saved python path no longer valid", "path", path)
		}
	}

	if venv := os.Getenv("VIRTUAL_ENV"); venv != "" {
		p := filepath.Join(venv, "bin", "python3")
		if v, err := Version(p); err == nil {
			return Info{Path: p, Version: v}, nil
		}
	}

	if p, err := exec.LookPath("python3"); err == nil {
		if v, err := Version(p); err == nil {
			return Info{Path: p, Version: v}, nil
		}
	}

	for _, p := range fallbackPaths {
		if v, err := Version(p); err == nil {
			return Info{Path: p, Version: v}, nil
		}
	}

	return Info{}, errors.New("no usable python3 interpreter found")
}

// Version runs `path --version` and returns the bare version string
// (e.g. "3.11.9").
func Version(path string) (string, error) {
	if _, err := os.Stat(path); err != nil {
		return "", err
	}
	out, err := exec.Command(path, "--version").Output()
	if err != nil {
		return "", fmt.Errorf("probe %s: %w", path, err)
	}
	return strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(string(out)), "Python ")), nil
}

// CheckPackage reports whether the interpreter can import pkg.
func CheckPackage(python, pkg string) bool {
	return exec.Command(python, "-c", "import "+pkg).Run() == nil
}

// detectBundled verifies the bundled runtime and probes its version.
func detectBundled(bundleDir string) (Info, error) {
	if err := VerifyBundle(bundleDir); err != nil {
		return Info{}, err
	}
	p := bundledBinary(bundleDir)
	v, err := Version(p)
	if err != nil {
		return Info{}, err
	}
	return Info{Path: p, Version: v, IsBundled: true}, nil
}

func bundledBinary(bundleDir string) string {
	return filepath.Join(bundleDir, "bin", "python3")
}

// VerifyBundle checks that the bundled runtime is intact: manifest
// present with a matching target triple, binary executable, critical
// imports loadable, and key site-packages on disk.
func VerifyBundle(bundleDir string) error {
	manifest := filepath.Join(bundleDir, "BUNDLE_MANIFEST.json")
	data, err := os.ReadFile(manifest)
	if err != nil {
		return ErrManifestInvalid
	}

	bin := bundledBinary(bundleDir)
	fi, err := os.Stat(bin)
	if err != nil {
		return ErrBinaryMissing
	}
	if fi.Mode().Perm()&0o111 == 0 {
		return ErrNotExecutable
	}

	out, err := exec.Command(bin, "-c", criticalImports).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", ErrImportFailed, strings.TrimSpace(string(out)))
	}
	if !strings.Contains(string(out), "BUNDLE_OK") {
		return fmt.Errorf("%w: unexpected output", ErrImportFailed)
	}

	site := filepath.Join(bundleDir, "lib", "python3.11", "site-packages")
	for _, pkg := range []string{"sklearn", "pandas", "numpy"} {
		if _, err := os.Stat(filepath.Join(site, pkg, "__init__.py")); err != nil {
			return fmt.Errorf("%w: missing package %s", ErrCorrupted, pkg)
		}
	}

	var m struct {
		Target string `json:"target"`
	}
	if json.Unmarshal(data, &m) == nil && m.Target != "" {
		if want := expectedTarget(); want != "" && m.Target != want {
			return fmt.Errorf("%w: architecture mismatch: bundle is %s, expected %s", ErrCorrupted, m.Target, want)
		}
	}
	return nil
}

func expectedTarget() string {
	switch runtime.GOOS + "/" + runtime.GOARCH {
	case "darwin/arm64":
		return "aarch64-apple-darwin"
	case "darwin/amd64":
		return "x86_64-apple-darwin"
	case "linux/amd64":
		return "x86_64-unknown-linux-gnu"
	default:
		return ""
	}
}

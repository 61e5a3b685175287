package factory

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFromDSNSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.db")
	s, err := NewFromDSN("sqlite://" + path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	assert.NoError(t, s.EnsureSchema(context.Background()))
}

func TestNewFromDSNBarePath(t *testing.T) {
	s, err := NewFromDSN(filepath.Join(t.TempDir(), "bare.db"))
	require.NoError(t, err)
	assert.NoError(t, s.Close())
}

func TestNewFromDSNEmpty(t *testing.T) {
	_, err := NewFromDSN("  ")
	assert.Error(t, err)
}

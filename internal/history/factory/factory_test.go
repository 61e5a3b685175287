package factory

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mldesk/mldesk/internal/history"
)

func TestNewSinkFromDSNSQLite(t *testing.T) {
	s, err := NewSinkFromDSN("sqlite://" + filepath.Join(t.TempDir(), "h.db"))
	require.NoError(t, err)
	assert.NoError(t, s.Send(context.Background(), history.Event{Type: history.EventStart, Kind: "script"}))
}

func TestNewSinkFromDSNUnsupported(t *testing.T) {
	_, err := NewSinkFromDSN("kafka://broker:9092/topic")
	assert.Error(t, err)
}

func TestNewSinkFromDSNEmpty(t *testing.T) {
	_, err := NewSinkFromDSN("")
	assert.Error(t, err)
}

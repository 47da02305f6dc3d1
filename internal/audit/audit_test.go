package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDisabledReturnsNoop(t *testing.T) {
	a, err := New(DefaultConfig())
	require.NoError(t, err)
	_, ok := a.(Noop)
	assert.True(t, ok)
	a.Record(Event{Type: EventInvestigationStarted})
	assert.NoError(t, a.Close())
}

func TestFileAuditorWritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Path = path
	cfg.Compress = false

	a, err := New(cfg)
	require.NoError(t, err)
	a.Record(Event{Type: EventInvestigationStarted, InvestigationID: "inv-1", Actor: "analyst-7", Version: 1})
	a.Record(Event{Type: EventAnomalyRaised, AnomalyID: "an-1", Metadata: map[string]any{"score": 1.4}})
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var line map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		lines = append(lines, line)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, string(EventInvestigationStarted), lines[0]["event_type"])
	assert.Equal(t, "inv-1", lines[0]["investigation_id"])
	assert.Equal(t, "an-1", lines[1]["anomaly_id"])
}

func TestFileAuditorRequiresPath(t *testing.T) {
	_, err := NewFileAuditor(Config{Enabled: true})
	assert.Error(t, err)
}

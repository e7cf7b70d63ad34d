package cli

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/idleprobe/internal/eventlog"
)

func writeEventLog(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.cbor")
	l, err := eventlog.NewFileLogger(path)
	require.NoError(t, err)

	at := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	events := []eventlog.Event{
		{Timestamp: at, RunID: "r1", Phase: "arm", ClientID: eventlog.RunWide, Kind: eventlog.KindPhase, Detail: "start"},
		{Timestamp: at.Add(time.Millisecond), RunID: "r1", Phase: "arm", ClientID: 1, Kind: eventlog.KindState, From: "connected", To: "armed"},
		{Timestamp: at.Add(2 * time.Millisecond), RunID: "r1", Phase: "arm", ClientID: 2, Kind: eventlog.KindState, From: "connected", To: "armed"},
		{Timestamp: at.Add(time.Second), RunID: "r1", Phase: "classify", ClientID: 1, Kind: eventlog.KindOutcome, Detail: "received"},
		{Timestamp: at.Add(time.Second), RunID: "r1", Phase: "classify", ClientID: 2, Kind: eventlog.KindOutcome, Detail: "race-condition"},
	}
	for _, e := range events {
		l.Log(e)
	}
	require.NoError(t, l.Close())
	return path
}

func TestEventsText(t *testing.T) {
	path := writeEventLog(t)

	stdout, _, err := execute(t, "events", path)
	require.NoError(t, err)

	lines := splitLines(stdout)
	require.Len(t, lines, 5)
	assert.Equal(t, "09:26:53.000000 arm         -1 phase     start", lines[0])
	assert.Equal(t, "09:26:53.001000 arm          1 state     connected -> armed", lines[1])
	assert.Contains(t, lines[4], "race-condition")
}

func TestEventsFilterClient(t *testing.T) {
	path := writeEventLog(t)

	stdout, _, err := execute(t, "events", path, "--client", "2", "--format", "json")
	require.NoError(t, err)

	var resp struct {
		Data []EventView `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &resp))
	require.Len(t, resp.Data, 2)
	for _, e := range resp.Data {
		assert.Equal(t, 2, e.ClientID)
	}
	assert.Equal(t, "armed", resp.Data[0].To)
	assert.Equal(t, "outcome", resp.Data[1].Kind)
}

func TestEventsFilterRunWideClient(t *testing.T) {
	path := writeEventLog(t)

	stdout, _, err := execute(t, "events", path, "--client=-1")
	require.NoError(t, err)
	assert.Len(t, splitLines(stdout), 1)
}

func TestEventsFilterKindAndPhase(t *testing.T) {
	path := writeEventLog(t)

	stdout, _, err := execute(t, "events", path, "--kind", "state", "--phase", "arm")
	require.NoError(t, err)
	assert.Len(t, splitLines(stdout), 2)

	stdout, _, err = execute(t, "events", path, "--kind", "send")
	require.NoError(t, err)
	assert.Equal(t, "No events.\n", stdout)
}

func TestEventsInvalidKind(t *testing.T) {
	path := writeEventLog(t)

	_, _, err := execute(t, "events", path, "--kind", "bogus")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "unknown event kind")
}

func TestEventsMissingFile(t *testing.T) {
	_, _, err := execute(t, "events", filepath.Join(t.TempDir(), "none.cbor"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "event log not found")
}

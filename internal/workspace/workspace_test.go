package workspace

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mpataki/phasegate/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndOpen(t *testing.T) {
	base := t.TempDir()

	w, err := Create(base, 7)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "flow-7"), w.Path)
	assert.DirExists(t, filepath.Join(w.Path, "results"))
	assert.DirExists(t, filepath.Join(w.Path, "input"))
	assert.FileExists(t, filepath.Join(w.Path, "README.md"))

	opened, err := Open(base, 7)
	require.NoError(t, err)
	assert.Equal(t, w.Path, opened.Path)

	_, err = Open(base, 8)
	assert.ErrorContains(t, err, "workspace for flow 8 does not exist")
}

func TestStateRoundTrip(t *testing.T) {
	w, err := Create(t.TempDir(), 1)
	require.NoError(t, err)

	st, err := w.ReadState()
	require.NoError(t, err)
	assert.Empty(t, st)

	require.NoError(t, w.WriteState(map[string]any{
		"current_phase":  "field_mapping",
		"field_mappings": map[string]any{"hostname": "host_name"},
	}))
	st, err = w.ReadState()
	require.NoError(t, err)
	assert.Equal(t, "field_mapping", st["current_phase"])
	assert.Equal(t, map[string]any{"hostname": "host_name"}, st["field_mappings"])
}

func TestResults(t *testing.T) {
	w, err := Create(t.TempDir(), 1)
	require.NoError(t, err)

	require.NoError(t, w.WriteResult("data_import", models.PhaseResult{"records_processed": 12}))
	got, err := w.ReadResult("data_import")
	require.NoError(t, err)
	assert.Equal(t, 12.0, got["records_processed"])

	_, err = w.ReadResult("field_mapping")
	assert.ErrorContains(t, err, "no result recorded")
}

func TestConsumeInputOnce(t *testing.T) {
	w, err := Create(t.TempDir(), 1)
	require.NoError(t, err)

	_, ok, err := w.ConsumeInput("field_mapping")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, os.WriteFile(w.InputPath("field_mapping"), []byte(`{"field_mappings":{"owner":"app_owner"}}`), 0644))

	input, ok, err := w.ConsumeInput("field_mapping")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"owner": "app_owner"}, input["field_mappings"])
	assert.NoFileExists(t, w.InputPath("field_mapping"))

	_, ok, err = w.ConsumeInput("field_mapping")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConsumeInputRejectsBadJSON(t *testing.T) {
	w, err := Create(t.TempDir(), 1)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(w.InputPath("synthesis"), []byte(`{not json`), 0644))

	_, _, err = w.ConsumeInput("synthesis")
	assert.ErrorContains(t, err, "failed to parse input for synthesis")
	assert.FileExists(t, w.InputPath("synthesis"))
}

func TestAppendDecision(t *testing.T) {
	w, err := Create(t.TempDir(), 1)
	require.NoError(t, err)

	at := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	d := models.NewDecision(models.ActionPause, "field_mapping", 0.7, "owner is not mapped",
		map[string]any{"missing_fields": []string{"owner"}}, at)
	require.NoError(t, w.AppendDecision(1, "field_mapping", d))
	require.NoError(t, w.AppendDecision(2, "field_mapping", d))

	data, err := os.ReadFile(filepath.Join(w.Path, "decisions.md"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "## 001 field_mapping: pause field_mapping")
	assert.Contains(t, string(data), "## 002 field_mapping")
	assert.Contains(t, string(data), "- missing_fields: [owner]")
	assert.Contains(t, string(data), "2025-03-14T09:00:00Z")
}

func TestRemove(t *testing.T) {
	base := t.TempDir()
	w, err := Create(base, 3)
	require.NoError(t, err)
	require.NoError(t, w.Remove())
	assert.NoDirExists(t, w.Path)
}

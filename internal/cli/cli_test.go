package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coursesync/server/internal/models"
)

func TestPrintEntries(t *testing.T) {
	entries := []models.CourseSyncEntry{{
		ID:             "courses/1",
		Name:           "Biology",
		SelectionState: models.SelectionPartiallySelected,
		Tabs: []models.Tab{
			{ID: "courses/1/tabs/files", Name: "Files", Type: models.TabFiles, SelectionState: models.SelectionSelected},
		},
		Files: []models.File{
			{ID: "courses/1/files/5", DisplayName: "notes.pdf", BytesToDownload: 2000, SelectionState: models.SelectionSelected},
		},
	}}

	var buf bytes.Buffer
	require.NoError(t, printEntries(&buf, entries))

	out := buf.String()
	assert.Contains(t, out, "Biology")
	assert.Contains(t, out, "partiallySelected")
	assert.Contains(t, out, "courses/1/tabs/files")
	assert.Contains(t, out, "notes.pdf (2.0 kB)")
}

func TestPrintFailures(t *testing.T) {
	progress := float32(0.5)
	states := []models.CourseSyncStateProgress{
		models.NewCourseSyncStateProgress(models.CourseSelection("courses/1"), models.LoadingState(&progress)),
		models.NewCourseSyncStateProgress(models.FileSelection("courses/1", "courses/1/files/5"), models.ErrorState("File download failed.")),
	}

	var buf bytes.Buffer
	require.NoError(t, printStates(&buf, states))
	assert.Contains(t, buf.String(), "loading 50%")

	buf.Reset()
	require.NoError(t, printFailures(&buf, states))
	assert.Contains(t, buf.String(), "courses/1/files/5")
	assert.Contains(t, buf.String(), "error: File download failed.")
	assert.NotContains(t, buf.String(), "loading")
}

func TestParseSelectArgs(t *testing.T) {
	sel, state, err := parseSelectArgs("courses/1/tabs/pages", false)
	require.NoError(t, err)
	assert.Equal(t, models.TabSelection("courses/1", "courses/1/tabs/pages"), sel)
	assert.Equal(t, models.SelectionSelected, state)

	_, state, err = parseSelectArgs("courses/1", true)
	require.NoError(t, err)
	assert.Equal(t, models.SelectionDeselected, state)

	_, _, err = parseSelectArgs("users/1", false)
	assert.ErrorIs(t, err, models.ErrInvalidSelection)
}

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCommands_Args(t *testing.T) {
	_, err := runCmd(t, "select")
	assert.Error(t, err)

	_, err = runCmd(t, "clean")
	assert.Error(t, err)

	_, err = runCmd(t, "entries", "--course-id", "1", "--course-ids", "2")
	assert.Error(t, err)
}

func TestCommands_AgainstLMS(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/courses", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]models.APICourse{{
			ID: "1", Name: "Biology", WorkflowState: "available",
			Tabs: []models.APITab{{ID: "pages", Label: "Pages"}},
		}})
	})
	mux.HandleFunc("/api/v1/courses/1/folders/by_path", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]models.APIFolder{})
	})
	mux.HandleFunc("/api/v1/courses/1/pages", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]string{{"title": "Welcome"}})
	})
	lms := httptest.NewServer(mux)
	t.Cleanup(lms.Close)

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.json")
	cfgJSON, err := json.Marshal(map[string]interface{}{
		"databasePath":   filepath.Join(dir, "coursesync.db"),
		"sessionId":      "cli",
		"canvas":         map[string]interface{}{"baseUrl": lms.URL, "accessToken": "token"},
		"offlineStorage": map[string]interface{}{"basePath": filepath.Join(dir, "offline")},
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(cfgPath, cfgJSON, 0644))
	t.Setenv("CONFIG_PATH", cfgPath)

	out, err := runCmd(t, "--config", cfgPath, "entries")
	require.NoError(t, err)
	assert.Contains(t, out, "All Courses")
	assert.Contains(t, out, "courses/1/tabs/pages")

	out, err = runCmd(t, "--config", cfgPath, "selected")
	require.NoError(t, err)
	assert.Contains(t, out, "Nothing is selected")

	_, err = runCmd(t, "--config", cfgPath, "select", "courses/1")
	require.NoError(t, err)

	out, err = runCmd(t, "--config", cfgPath, "sync", "--quiet")
	require.NoError(t, err)
	assert.Contains(t, out, "Offline content sync success")

	out, err = runCmd(t, "--config", cfgPath, "progress")
	require.NoError(t, err)
	assert.Contains(t, out, "Offline content sync success")
	assert.Contains(t, out, "courses/1/tabs/pages")
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coursesync/server/internal/models"
)

func TestLoad(t *testing.T) {
	t.Run("defaults with required env", func(t *testing.T) {
		dir := t.TempDir()
		t.Setenv("CONFIG_PATH", filepath.Join(dir, "missing.json"))
		t.Setenv("CANVAS_BASE_URL", "https://canvas.example.com")
		t.Setenv("CANVAS_ACCESS_TOKEN", "token")
		t.Setenv("OFFLINE_STORAGE_PATH", filepath.Join(dir, "offline"))

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, ":5000", cfg.ServerAddress)
		assert.Equal(t, "default", cfg.SessionID)
		assert.False(t, cfg.UsePostgres())
		assert.Equal(t, 3, cfg.Sync.MaxConcurrentCourses)
		assert.Equal(t, 6, cfg.Sync.MaxConcurrentFiles)
		assert.Equal(t, 2*time.Second, cfg.Sync.PollInterval())
		assert.Equal(t, time.Second, cfg.Sync.DismissDelay())
		assert.Equal(t, models.DefaultOfflineTabs(), cfg.Sync.Tabs())
		assert.True(t, filepath.IsAbs(cfg.OfflineStorage.BasePath))

		_, err = os.Stat(cfg.OfflineStorage.BasePath)
		assert.NoError(t, err)
	})

	t.Run("file then env overrides", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "config.json")
		require.NoError(t, os.WriteFile(path, []byte(`{
			"serverAddress": ":8080",
			"sessionId": "user-42",
			"canvas": {"baseUrl": "https://file.example.com", "accessToken": "abc"},
			"offlineStorage": {"basePath": "`+filepath.ToSlash(filepath.Join(dir, "store"))+`"},
			"sync": {"maxConcurrentCourses": 2, "offlineTabs": ["files", "pages"]}
		}`), 0644))
		t.Setenv("CONFIG_PATH", path)
		t.Setenv("SYNC_MAX_CONCURRENT_FILES", "9")
		t.Setenv("DATABASE_URL", "postgres://localhost/coursesync")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, ":8080", cfg.ServerAddress)
		assert.Equal(t, "user-42", cfg.SessionID)
		assert.Equal(t, "https://file.example.com", cfg.Canvas.BaseURL)
		assert.Equal(t, 2, cfg.Sync.MaxConcurrentCourses)
		assert.Equal(t, 9, cfg.Sync.MaxConcurrentFiles)
		assert.Equal(t, []models.TabName{models.TabFiles, models.TabPages}, cfg.Sync.Tabs())
		assert.True(t, cfg.UsePostgres())
	})

	t.Run("rejects invalid settings", func(t *testing.T) {
		dir := t.TempDir()
		t.Setenv("CONFIG_PATH", filepath.Join(dir, "missing.json"))
		t.Setenv("OFFLINE_STORAGE_PATH", filepath.Join(dir, "offline"))
		t.Setenv("CANVAS_BASE_URL", "")
		t.Setenv("CANVAS_ACCESS_TOKEN", "")

		_, err := Load()
		assert.ErrorContains(t, err, "canvas.baseUrl")

		t.Setenv("CANVAS_BASE_URL", "https://canvas.example.com")
		t.Setenv("CANVAS_ACCESS_TOKEN", "token")
		t.Setenv("SYNC_OFFLINE_TABS", "files,gradebook")
		_, err = Load()
		assert.ErrorContains(t, err, "gradebook")
	})

	t.Run("malformed file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.json")
		require.NoError(t, os.WriteFile(path, []byte(`{`), 0644))
		t.Setenv("CONFIG_PATH", path)

		_, err := Load()
		assert.Error(t, err)
	})
}

package observability

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestLogger(t *testing.T) {
	t.Run("writes structured fields", func(t *testing.T) {
		var buf bytes.Buffer
		logger := newLogger(&buf, "coursesync-test", LevelInfo)

		logger.WithField("course_id", "42").Infof("synced %d files", 3)

		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "synced 3 files", entry["message"])
		assert.Equal(t, "42", entry["course_id"])
		assert.Equal(t, "coursesync-test", entry["service"])
		assert.Equal(t, "info", entry["level"])
	})

	t.Run("drops entries below the minimum level", func(t *testing.T) {
		var buf bytes.Buffer
		logger := newLogger(&buf, "coursesync-test", LevelWarn)

		logger.Info("hidden")
		logger.Debugf("hidden %s", "too")
		assert.Empty(t, buf.String())

		logger.Warn("shown")
		assert.Contains(t, buf.String(), "shown")
	})

	t.Run("key value pairs", func(t *testing.T) {
		var buf bytes.Buffer
		logger := newLogger(&buf, "coursesync-test", LevelDebug)

		logger.Log(LevelDebug, "retrying", "attempt", 2, "url", "https://lms/api")
		assert.Contains(t, buf.String(), `"attempt":2`)
		assert.Contains(t, buf.String(), `"url":"https://lms/api"`)
	})

	t.Run("context without span adds nothing", func(t *testing.T) {
		var buf bytes.Buffer
		logger := newLogger(&buf, "coursesync-test", LevelInfo)

		logger.WithContext(context.Background()).Info("plain")
		assert.NotContains(t, buf.String(), "trace_id")
	})
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLogLevel("DEBUG"))
	assert.Equal(t, LevelWarn, ParseLogLevel("warning"))
	assert.Equal(t, LevelError, ParseLogLevel("error"))
	assert.Equal(t, LevelInfo, ParseLogLevel(""))
}

func TestSyncMetrics_NilSafe(t *testing.T) {
	var m *SyncMetrics
	ctx := context.Background()

	assert.NotPanics(t, func() {
		m.SessionStarted(ctx, 2)
		m.RecordFileDownload(ctx, "1", 10, true)
		m.RecordTabFailure(ctx, "1", "pages")
		m.RecordCompose(ctx, "1", time.Millisecond, nil)
		m.SessionFinished(ctx, "success")
	})
}

func TestMetricsMiddleware(t *testing.T) {
	metrics, err := NewHTTPMetrics()
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Use(MetricsMiddleware(metrics))
	r.Get("/api/sync/progress", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/sync/progress", routePattern(r))
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sync/progress", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestTracingMiddleware(t *testing.T) {
	spans := tracetest.NewSpanRecorder()
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans)))
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(TracingMiddleware("coursesync-test"))
	r.Get("/api/sync/entries", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Delete("/api/sync/content", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/sync/entries?courseId=1", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodDelete, "/api/sync/content", nil))

	ended := spans.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, "GET /api/sync/entries", ended[0].Name())
	assert.NotEqual(t, codes.Error, ended[0].Status().Code)
	assert.Equal(t, "DELETE /api/sync/content", ended[1].Name())
	assert.Equal(t, codes.Error, ended[1].Status().Code)
}

func TestStatusRecorder_Hijack(t *testing.T) {
	rec := record(httptest.NewRecorder())
	_, _, err := rec.Hijack()
	assert.ErrorIs(t, err, http.ErrNotSupported)
	assert.False(t, rec.hijacked)
	assert.Same(t, rec, record(rec))
}

func TestTelemetryConfig(t *testing.T) {
	t.Run("disabled by default", func(t *testing.T) {
		t.Setenv("OTEL_ENABLED", "")
		t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
		t.Setenv("OTEL_TRACES_SAMPLER_ARG", "")
		t.Setenv("OTEL_METRIC_EXPORT_INTERVAL", "")

		cfg := NewConfig("coursesync-test", "0.0.1", "session-1")
		assert.False(t, cfg.Enabled)
		assert.Equal(t, "localhost:4317", cfg.OTLPEndpoint)
		assert.Equal(t, 1.0, cfg.SampleRatio)
		assert.Equal(t, 15*time.Second, cfg.ExportInterval)
		assert.Equal(t, "session-1", cfg.SessionID)

		telemetry, err := Initialize(context.Background(), cfg)
		require.NoError(t, err)
		assert.False(t, telemetry.Enabled())
		assert.NoError(t, telemetry.Shutdown(context.Background()))
	})

	t.Run("reads the exporter environment", func(t *testing.T) {
		t.Setenv("OTEL_ENABLED", "true")
		t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4317")
		t.Setenv("OTEL_TRACES_SAMPLER_ARG", "2.5")
		t.Setenv("OTEL_METRIC_EXPORT_INTERVAL", "500")

		cfg := NewConfig("coursesync-test", "0.0.1", "session-1")
		assert.True(t, cfg.Enabled)
		assert.Equal(t, "collector:4317", cfg.OTLPEndpoint)
		assert.Equal(t, 1.0, cfg.SampleRatio)
		assert.Equal(t, 500*time.Millisecond, cfg.ExportInterval)
	})

	t.Run("nil telemetry is a no-op", func(t *testing.T) {
		var telemetry *Telemetry
		assert.False(t, telemetry.Enabled())
		assert.NoError(t, telemetry.Shutdown(context.Background()))
	})
}

func TestDescribeStatement(t *testing.T) {
	cases := []struct {
		query, verb, table string
	}{
		{"INSERT INTO course_sync_state_progress (session_id, id) VALUES ($1, $2)", "INSERT", "course_sync_state_progress"},
		{"select state from course_sync_state_progress where session_id = $1", "SELECT", "course_sync_state_progress"},
		{"UPDATE course_sync_download_progress SET bytes_downloaded = bytes_downloaded + $1", "UPDATE", "course_sync_download_progress"},
		{"DELETE FROM api_cache WHERE key LIKE $1", "DELETE", "api_cache"},
		{"CREATE TABLE IF NOT EXISTS session_settings (key TEXT)", "CREATE", "session_settings"},
		{"BEGIN", "BEGIN", ""},
		{"   ", "SQL", ""},
	}
	for _, tc := range cases {
		verb, table := describeStatement(tc.query)
		assert.Equal(t, tc.verb, verb, tc.query)
		assert.Equal(t, tc.table, table, tc.query)
	}
}

func TestTraceDB(t *testing.T) {
	spans := tracetest.NewSpanRecorder()
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans)))
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "trace.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	traced, err := NewTraceDB(db, "sqlite")
	require.NoError(t, err)
	ctx := context.Background()

	_, err = traced.ExecContext(ctx, "CREATE TABLE api_cache (key TEXT PRIMARY KEY, payload TEXT)")
	require.NoError(t, err)
	_, err = traced.ExecContext(ctx, "INSERT INTO api_cache (key, payload) VALUES ($1, $2)", "courses", "[]")
	require.NoError(t, err)

	var payload string
	require.NoError(t, traced.QueryRowContext(ctx, "SELECT payload FROM api_cache WHERE key = $1", "courses").Scan(&payload))
	assert.Equal(t, "[]", payload)

	err = traced.QueryRowContext(ctx, "SELECT payload FROM api_cache WHERE key = $1", "missing").Scan(&payload)
	assert.ErrorIs(t, err, sql.ErrNoRows)

	_, err = traced.ExecContext(ctx, "INSERT INTO no_such_table VALUES (1)")
	assert.Error(t, err)

	ended := spans.Ended()
	require.Len(t, ended, 5)
	assert.Equal(t, "CREATE api_cache", ended[0].Name())
	assert.Equal(t, "INSERT api_cache", ended[1].Name())
	assert.Equal(t, "SELECT api_cache", ended[2].Name())
	assert.NotEqual(t, codes.Error, ended[3].Status().Code)
	assert.Equal(t, "INSERT no_such_table", ended[4].Name())
	assert.Equal(t, codes.Error, ended[4].Status().Code)
}

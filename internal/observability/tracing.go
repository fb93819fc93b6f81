package observability

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// StartSpan starts a span on the sync engine tracer
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name, opts...)
}

// StartServiceSpan starts a span for service operations
func StartServiceSpan(ctx context.Context, service, operation string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("%s.%s", service, operation),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("service.component", service),
			attribute.String("service.operation", operation),
		),
	)
}

// RecordError records an error on the span
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSuccess marks the span as successful
func SetSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// TraceDB wraps the sync store with a client span and metrics per
// statement. Spans are named after the SQL verb and table, for example
// "INSERT course_sync_state_progress". Statements run on a transaction
// returned by BeginTx are not traced individually.
type TraceDB struct {
	db         *sql.DB
	system     string
	statements metric.Int64Counter
	duration   metric.Float64Histogram
}

// NewTraceDB creates a traced database wrapper. system is the db.system
// attribute, "sqlite" or "postgresql".
func NewTraceDB(db *sql.DB, system string) (*TraceDB, error) {
	meter := otel.Meter(instrumentationName)

	statements, err := meter.Int64Counter("coursesync.db.statements",
		metric.WithDescription("Sync store statements by table and outcome"),
		metric.WithUnit("{statements}"))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("coursesync.db.duration",
		metric.WithDescription("Sync store statement latency"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return &TraceDB{db: db, system: system, statements: statements, duration: duration}, nil
}

func (t *TraceDB) observe(ctx context.Context, query string, run func(context.Context) error) {
	verb, table := describeStatement(query)
	ctx, span := StartSpan(ctx, strings.TrimSpace(verb+" "+table),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", t.system),
			attribute.String("db.operation", verb),
			attribute.String("db.sql.table", table),
		),
	)
	defer span.End()

	start := time.Now()
	err := run(ctx)
	failed := err != nil && !errors.Is(err, sql.ErrNoRows)
	if failed {
		RecordError(span, err)
	}

	attrs := metric.WithAttributes(
		attribute.String("db.system", t.system),
		attribute.String("db.operation", verb),
		attribute.String("db.sql.table", table),
		attribute.Bool("success", !failed),
	)
	t.statements.Add(ctx, 1, attrs)
	t.duration.Record(ctx, time.Since(start).Seconds(), attrs)
}

// QueryContext runs a query under a span
func (t *TraceDB) QueryContext(ctx context.Context, query string, args ...interface{}) (rows *sql.Rows, err error) {
	t.observe(ctx, query, func(ctx context.Context) error {
		rows, err = t.db.QueryContext(ctx, query, args...)
		return err
	})
	return rows, err
}

// ExecContext runs a statement under a span
func (t *TraceDB) ExecContext(ctx context.Context, query string, args ...interface{}) (result sql.Result, err error) {
	t.observe(ctx, query, func(ctx context.Context) error {
		result, err = t.db.ExecContext(ctx, query, args...)
		return err
	})
	return result, err
}

// QueryRowContext runs a single-row query under a span. The span ends
// before the row is scanned, and a missing row is not an error.
func (t *TraceDB) QueryRowContext(ctx context.Context, query string, args ...interface{}) (row *sql.Row) {
	t.observe(ctx, query, func(ctx context.Context) error {
		row = t.db.QueryRowContext(ctx, query, args...)
		return row.Err()
	})
	return row
}

// BeginTx starts a transaction under a span
func (t *TraceDB) BeginTx(ctx context.Context, opts *sql.TxOptions) (tx *sql.Tx, err error) {
	t.observe(ctx, "BEGIN", func(ctx context.Context) error {
		tx, err = t.db.BeginTx(ctx, opts)
		return err
	})
	return tx, err
}

// describeStatement returns the SQL verb and the first table a statement
// names, or an empty table when none is found
func describeStatement(query string) (verb, table string) {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return "SQL", ""
	}
	verb = strings.ToUpper(fields[0])
	for i := 0; i+1 < len(fields); i++ {
		switch strings.ToUpper(fields[i]) {
		case "FROM", "INTO", "UPDATE", "TABLE", "EXISTS":
			next := strings.Trim(fields[i+1], `(),;"`)
			switch strings.ToUpper(next) {
			case "", "IF", "NOT", "SELECT":
				continue
			}
			return verb, next
		}
	}
	return verb, ""
}

// SyncMetrics holds course sync business metrics
type SyncMetrics struct {
	syncSessions    metric.Int64Counter
	filesDownloaded metric.Int64Counter
	bytesDownloaded metric.Int64Counter
	downloadErrors  metric.Int64Counter
	composeDuration metric.Float64Histogram
	activeSessions  metric.Int64UpDownCounter
}

// NewSyncMetrics creates sync metrics instruments
func NewSyncMetrics() (*SyncMetrics, error) {
	meter := otel.Meter(instrumentationName)

	syncSessions, err := meter.Int64Counter(
		"coursesync.sessions",
		metric.WithDescription("Total number of sync sessions by outcome"),
		metric.WithUnit("{sessions}"),
	)
	if err != nil {
		return nil, err
	}

	filesDownloaded, err := meter.Int64Counter(
		"coursesync.files.downloaded",
		metric.WithDescription("Total number of course files downloaded"),
		metric.WithUnit("{files}"),
	)
	if err != nil {
		return nil, err
	}

	bytesDownloaded, err := meter.Int64Counter(
		"coursesync.bytes.downloaded",
		metric.WithDescription("Bytes of course content downloaded"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	downloadErrors, err := meter.Int64Counter(
		"coursesync.download.errors",
		metric.WithDescription("Total number of failed file or tab downloads"),
		metric.WithUnit("{errors}"),
	)
	if err != nil {
		return nil, err
	}

	composeDuration, err := meter.Float64Histogram(
		"coursesync.compose.duration",
		metric.WithDescription("Time to compose one course entry in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	activeSessions, err := meter.Int64UpDownCounter(
		"coursesync.sessions.active",
		metric.WithDescription("Number of running sync sessions"),
		metric.WithUnit("{sessions}"),
	)
	if err != nil {
		return nil, err
	}

	return &SyncMetrics{
		syncSessions:    syncSessions,
		filesDownloaded: filesDownloaded,
		bytesDownloaded: bytesDownloaded,
		downloadErrors:  downloadErrors,
		composeDuration: composeDuration,
		activeSessions:  activeSessions,
	}, nil
}

// SessionStarted records a session entering the running state
func (m *SyncMetrics) SessionStarted(ctx context.Context, courseCount int) {
	if m == nil {
		return
	}
	m.activeSessions.Add(ctx, 1)
	m.syncSessions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", "started"),
		attribute.Int("course_count", courseCount),
	))
}

// SessionFinished records the outcome of a session: success, error or cancelled
func (m *SyncMetrics) SessionFinished(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.activeSessions.Add(ctx, -1)
	m.syncSessions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordFileDownload records one finished file download
func (m *SyncMetrics) RecordFileDownload(ctx context.Context, courseID string, bytes int64, success bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(CourseID(courseID), attribute.Bool("success", success))
	if success {
		m.filesDownloaded.Add(ctx, 1, attrs)
		m.bytesDownloaded.Add(ctx, bytes, attrs)
		return
	}
	m.downloadErrors.Add(ctx, 1, attrs)
}

// RecordTabFailure records a failed tab content download
func (m *SyncMetrics) RecordTabFailure(ctx context.Context, courseID, tab string) {
	if m == nil {
		return
	}
	m.downloadErrors.Add(ctx, 1, metric.WithAttributes(CourseID(courseID), attribute.String("tab", tab)))
}

// RecordCompose records how long composing one course entry took
func (m *SyncMetrics) RecordCompose(ctx context.Context, courseID string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.composeDuration.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(
		CourseID(courseID),
		attribute.Bool("success", err == nil),
	))
}

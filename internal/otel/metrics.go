package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all sessiond metrics instruments.
type Metrics struct {
	WriteDuration     metric.Float64Histogram
	ReadDuration      metric.Float64Histogram
	SessionsWritten   metric.Int64Counter
	MessagesAppended  metric.Int64Counter
	MirrorErrors      metric.Int64Counter
	MigrationSessions metric.Int64Counter
	MigrationErrors   metric.Int64Counter
	BusyRetries       metric.Int64Counter
	BackupsTaken      metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.WriteDuration, err = meter.Float64Histogram("sessiond.write.duration",
		metric.WithDescription("Store write transaction duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ReadDuration, err = meter.Float64Histogram("sessiond.read.duration",
		metric.WithDescription("Store read duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionsWritten, err = meter.Int64Counter("sessiond.sessions.written",
		metric.WithDescription("Sessions created, updated or upserted"),
	)
	if err != nil {
		return nil, err
	}

	m.MessagesAppended, err = meter.Int64Counter("sessiond.messages.appended",
		metric.WithDescription("Chat messages appended"),
	)
	if err != nil {
		return nil, err
	}

	m.MirrorErrors, err = meter.Int64Counter("sessiond.mirror.errors",
		metric.WithDescription("Legacy mirror write failures (non-fatal)"),
	)
	if err != nil {
		return nil, err
	}

	m.MigrationSessions, err = meter.Int64Counter("sessiond.migration.sessions",
		metric.WithDescription("Sessions imported from legacy files"),
	)
	if err != nil {
		return nil, err
	}

	m.MigrationErrors, err = meter.Int64Counter("sessiond.migration.errors",
		metric.WithDescription("Legacy files or sessions that failed to import"),
	)
	if err != nil {
		return nil, err
	}

	m.BusyRetries, err = meter.Int64Counter("sessiond.store.busy_retries",
		metric.WithDescription("Write attempts retried on SQLITE_BUSY"),
	)
	if err != nil {
		return nil, err
	}

	m.BackupsTaken, err = meter.Int64Counter("sessiond.backups.taken",
		metric.WithDescription("Backups created"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

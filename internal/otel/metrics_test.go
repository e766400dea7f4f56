package otel

import (
	"context"
	"testing"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	if m.WriteDuration == nil {
		t.Error("WriteDuration is nil")
	}
	if m.ReadDuration == nil {
		t.Error("ReadDuration is nil")
	}
	if m.SessionsWritten == nil {
		t.Error("SessionsWritten is nil")
	}
	if m.MessagesAppended == nil {
		t.Error("MessagesAppended is nil")
	}
	if m.MirrorErrors == nil {
		t.Error("MirrorErrors is nil")
	}
	if m.MigrationSessions == nil {
		t.Error("MigrationSessions is nil")
	}
	if m.MigrationErrors == nil {
		t.Error("MigrationErrors is nil")
	}
	if m.BusyRetries == nil {
		t.Error("BusyRetries is nil")
	}
	if m.BackupsTaken == nil {
		t.Error("BackupsTaken is nil")
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	// Disabled OTel returns noop meter — metrics should still create without error.
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
}

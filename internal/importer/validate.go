package importer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/basket/sessiond/internal/persistence"
)

// ValidationReport is the post-migration audit of the relational store:
// row counts, referential orphans, enum strays, and the on-disk
// integrity check.
type ValidationReport struct {
	SessionCount      int   `json:"session_count"`
	InstanceCount     int   `json:"instance_count"`
	MessageCount      int   `json:"message_count"`
	OrphanedInstances int   `json:"orphaned_instances"`
	OrphanedMessages  int   `json:"orphaned_messages"`
	InvalidStatuses   int   `json:"invalid_statuses"`
	DBSizeBytes       int64 `json:"db_size_bytes"`
	IntegrityOK       bool  `json:"integrity_ok"`
	IsValid           bool  `json:"is_valid"`
}

func (r *ValidationReport) String() string {
	verdict := "INVALID"
	if r.IsValid {
		verdict = "VALID"
	}
	integrity := "FAILED"
	if r.IntegrityOK {
		integrity = "OK"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "=== Migration Validation Report ===\n")
	fmt.Fprintf(&b, "Sessions:           %d\n", r.SessionCount)
	fmt.Fprintf(&b, "Instances:          %d\n", r.InstanceCount)
	fmt.Fprintf(&b, "Messages:           %d\n", r.MessageCount)
	fmt.Fprintf(&b, "Orphaned instances: %d\n", r.OrphanedInstances)
	fmt.Fprintf(&b, "Orphaned messages:  %d\n", r.OrphanedMessages)
	fmt.Fprintf(&b, "Invalid statuses:   %d\n", r.InvalidStatuses)
	fmt.Fprintf(&b, "Database size:      %d KB\n", r.DBSizeBytes/1024)
	fmt.Fprintf(&b, "Integrity check:    %s\n", integrity)
	fmt.Fprintf(&b, "Overall:            %s\n", verdict)
	return b.String()
}

// Validate audits the store after an import. Orphan counts should be
// zero under enforced foreign keys; nonzero values mean the database
// was touched by something that had them off.
func (im *Importer) Validate(ctx context.Context) (*ValidationReport, error) {
	db := im.store.DB()
	report := &ValidationReport{}

	counts := []struct {
		query string
		dest  *int
	}{
		{`SELECT COUNT(*) FROM sessions`, &report.SessionCount},
		{`SELECT COUNT(*) FROM instances`, &report.InstanceCount},
		{`SELECT COUNT(*) FROM chat_messages`, &report.MessageCount},
		{`SELECT COUNT(*) FROM instances i
			LEFT JOIN sessions s ON s.id = i.session_id
			WHERE s.id IS NULL`, &report.OrphanedInstances},
		{`SELECT COUNT(*) FROM chat_messages m
			LEFT JOIN sessions s ON s.id = m.session_id
			WHERE s.id IS NULL`, &report.OrphanedMessages},
		{`SELECT
			(SELECT COUNT(*) FROM sessions
				WHERE status NOT IN ('running','completed','failed','paused')
				   OR session_type NOT IN ('competition','ensemble','debate'))
			+
			(SELECT COUNT(*) FROM instances
				WHERE status NOT IN ('idle','running','completed','failed','paused','archived'))
			+
			(SELECT COUNT(*) FROM chat_messages
				WHERE role NOT IN ('user','assistant','system'))`, &report.InvalidStatuses},
	}
	for _, c := range counts {
		if err := db.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("validation query: %w", err)
		}
	}

	health, err := im.store.HealthCheck(ctx)
	if err != nil && !errors.Is(err, persistence.ErrIntegrity) {
		return nil, err
	}
	report.DBSizeBytes = health.SizeBytes
	report.IntegrityOK = health.IntegrityOK

	report.IsValid = report.OrphanedInstances == 0 &&
		report.OrphanedMessages == 0 &&
		report.InvalidStatuses == 0 &&
		report.IntegrityOK
	return report, nil
}

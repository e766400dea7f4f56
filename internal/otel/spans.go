package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for sessiond spans.
var (
	AttrSessionID     = attribute.Key("sessiond.session.id")
	AttrWorkspaceHash = attribute.Key("sessiond.workspace.hash")
	AttrSessionKind   = attribute.Key("sessiond.session.kind")
	AttrOperation     = attribute.Key("sessiond.operation")
	AttrLegacyFile    = attribute.Key("sessiond.migration.file")
	AttrBackupID      = attribute.Key("sessiond.backup.id")
	AttrErrorKind     = attribute.Key("sessiond.error.kind")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (OTLP export, file IO batches).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

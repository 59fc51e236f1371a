package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ScopeName is the instrumentation scope of every unigrc span and meter.
const ScopeName = "github.com/clanvaro/unigrc"

// Span attribute keys
const (
	AttrUserID         = "identity.user_id"
	AttrTenantID       = "identity.tenant_id"
	AttrAuthState      = "identity.state"
	AttrSessionPresent = "session.present"
	AttrRefreshResult  = "token.refresh_result"
)

// StartSpan starts a span on the global tracer provider.
//
//	ctx, span := telemetry.StartSpan(ctx, "identity.Resolve",
//	    attribute.Bool(telemetry.AttrSessionPresent, true),
//	)
//	defer span.End()
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(ScopeName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// RecordError marks the span failed. A nil err is ignored.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

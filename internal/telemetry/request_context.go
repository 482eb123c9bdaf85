package telemetry

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// HeaderName carries the request context on outbound messages.
const HeaderName = "X-Fn-Request-Context"

// RunIdentity names the scrape that produced a message.
type RunIdentity struct {
	Scraper   string `json:"scraper,omitempty"`
	ProcessID string `json:"process_id,omitempty"`
}

type runIdentityKey struct{}

// WithRunIdentity attaches the scrape identity to ctx.
func WithRunIdentity(ctx context.Context, id RunIdentity) context.Context {
	return context.WithValue(ctx, runIdentityKey{}, id)
}

// RunIdentityFrom returns the identity attached by WithRunIdentity.
func RunIdentityFrom(ctx context.Context) (RunIdentity, bool) {
	id, ok := ctx.Value(runIdentityKey{}).(RunIdentity)
	return id, ok
}

type requestContext struct {
	RunIdentity
	Trace map[string]string `json:"trace,omitempty"`
}

// RequestContext renders the propagated trace carrier and run identity as
// the JSON value of the X-Fn-Request-Context header.
func RequestContext(ctx context.Context) (string, error) {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	rc := requestContext{Trace: carrier}
	if id, ok := RunIdentityFrom(ctx); ok {
		rc.RunIdentity = id
	}
	b, err := json.Marshal(rc)
	if err != nil {
		return "", fmt.Errorf("encode request context: %w", err)
	}
	return string(b), nil
}

// ExtractRequestContext restores the trace and run identity encoded by RequestContext.
func ExtractRequestContext(ctx context.Context, header string) (context.Context, error) {
	if header == "" {
		return ctx, nil
	}
	var rc requestContext
	if err := json.Unmarshal([]byte(header), &rc); err != nil {
		return ctx, fmt.Errorf("decode request context: %w", err)
	}
	if len(rc.Trace) > 0 {
		ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(rc.Trace))
	}
	if rc.RunIdentity != (RunIdentity{}) {
		ctx = WithRunIdentity(ctx, rc.RunIdentity)
	}
	return ctx, nil
}

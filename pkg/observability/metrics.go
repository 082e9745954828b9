// Package observability exposes the service meters: block appends, mining
// effort and HTTP traffic. Only the OpenTelemetry metric API is used here;
// exporter wiring belongs to the deployment.
package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics bundles the instruments every layer reports into.
type Metrics struct {
	appends     metric.Int64Counter
	appendFails metric.Int64Counter
	mineSeconds metric.Float64Histogram
	requests    metric.Int64Counter
	reqSeconds  metric.Float64Histogram
}

// New registers the instruments on the global meter provider. With no
// provider configured the instruments are no-ops, so callers never need a
// nil check.
func New() (*Metrics, error) {
	meter := otel.Meter("omrledger")

	appends, err := meter.Int64Counter("ledger.block.appends",
		metric.WithDescription("blocks appended to the chain, by block type"))
	if err != nil {
		return nil, err
	}
	appendFails, err := meter.Int64Counter("ledger.block.append_failures",
		metric.WithDescription("failed append attempts, by error kind"))
	if err != nil {
		return nil, err
	}
	mineSeconds, err := meter.Float64Histogram("ledger.mining.duration_seconds",
		metric.WithDescription("wall time spent mining one block"))
	if err != nil {
		return nil, err
	}
	requests, err := meter.Int64Counter("http.server.requests",
		metric.WithDescription("handled HTTP requests, by route and status"))
	if err != nil {
		return nil, err
	}
	reqSeconds, err := meter.Float64Histogram("http.server.duration_seconds",
		metric.WithDescription("HTTP request handling time"))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		appends:     appends,
		appendFails: appendFails,
		mineSeconds: mineSeconds,
		requests:    requests,
		reqSeconds:  reqSeconds,
	}, nil
}

// RecordAppend counts one successful append and its mining time.
func (m *Metrics) RecordAppend(ctx context.Context, blockType string, mined time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("block_type", blockType))
	m.appends.Add(ctx, 1, attrs)
	m.mineSeconds.Record(ctx, mined.Seconds(), attrs)
}

// RecordAppendFailure counts one failed append by error kind.
func (m *Metrics) RecordAppendFailure(ctx context.Context, blockType, kind string) {
	if m == nil {
		return
	}
	m.appendFails.Add(ctx, 1, metric.WithAttributes(
		attribute.String("block_type", blockType),
		attribute.String("kind", kind),
	))
}

// RecordRequest counts one handled HTTP request.
func (m *Metrics) RecordRequest(ctx context.Context, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("route", route),
		attribute.Int("status", status),
	)
	m.requests.Add(ctx, 1, attrs)
	m.reqSeconds.Record(ctx, elapsed.Seconds(), attrs)
}

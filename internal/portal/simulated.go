package portal

import (
	"context"
	"fmt"
	"time"
)

// SimulatedConnector accepts every submission after an optional latency.
// It stands in for portals that expose no API.
type SimulatedConnector struct {
	name    string
	prefix  func(req Request) string
	latency time.Duration
}

// NewSimulatedConnector returns a connector whose references are built
// from prefix(req) and the case id.
func NewSimulatedConnector(name string, prefix func(req Request) string, latency time.Duration) *SimulatedConnector {
	return &SimulatedConnector{name: name, prefix: prefix, latency: latency}
}

// StaticPrefix is a prefix func returning p.
func StaticPrefix(p string) func(Request) string {
	return func(Request) string { return p }
}

// YearPrefix prefixes references with tag and the current year, e.g. DECL2025-.
func YearPrefix(tag string) func(Request) string {
	return func(Request) string { return fmt.Sprintf("%s%d-", tag, time.Now().Year()) }
}

func (s *SimulatedConnector) Name() string { return s.name }

func (s *SimulatedConnector) Submit(ctx context.Context, req Request) (Response, error) {
	if s.latency > 0 {
		select {
		case <-time.After(s.latency):
		case <-ctx.Done():
			return Response{}, fmt.Errorf("submit to %s: %w", s.name, ctx.Err())
		}
	}
	return Response{
		Accepted:    true,
		Reference:   Reference(s.prefix(req), req.CaseID),
		Message:     "accepted",
		StatusCode:  200,
		SubmittedAt: time.Now().UTC(),
	}, nil
}

func (s *SimulatedConnector) Ping(ctx context.Context) error { return ctx.Err() }

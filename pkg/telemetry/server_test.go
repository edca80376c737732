package telemetry_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ramiqadoumi/go-case-flow/pkg/telemetry"
)

func TestHandler_Readyz(t *testing.T) {
	ok := func(context.Context) error { return nil }
	down := func(context.Context) error { return errors.New("redis down") }

	cases := []struct {
		name   string
		checks []telemetry.ReadinessCheck
		want   int
	}{
		{"no checks", nil, http.StatusOK},
		{"all pass", []telemetry.ReadinessCheck{ok, ok}, http.StatusOK},
		{"one fails", []telemetry.ReadinessCheck{ok, down}, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			telemetry.Handler(tc.checks...).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
			assert.Equal(t, tc.want, rec.Code)
			if tc.want != http.StatusOK {
				assert.Contains(t, rec.Body.String(), "redis down")
			}
		})
	}
}

func TestHandler_Metrics(t *testing.T) {
	telemetry.CasesCreated.WithLabelValues("fiscal", "low").Inc()

	rec := httptest.NewRecorder()
	telemetry.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "caseflow_orchestrator_cases_created_total")
}

package portal_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-case-flow/internal/domain"
	"github.com/ramiqadoumi/go-case-flow/internal/portal"
	"github.com/ramiqadoumi/go-case-flow/internal/version"
)

func newConnector(url string, opts ...portal.HTTPOption) *portal.HTTPConnector {
	return portal.NewHTTPConnector(portal.HTTPConfig{
		Name:        "impots",
		BaseURL:     url,
		AuthMethod:  portal.AuthBearer,
		Token:       "secret",
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
	}, opts...)
}

func sampleRequest() portal.Request {
	return portal.Request{
		CaseID:    "3f2a9c1e-0000-0000-0000-000000000000",
		UserID:    "user-1",
		Category:  domain.CategoryFiscal,
		Operation: "/declarations",
		Payload:   map[string]any{"form_type": "2042"},
	}
}

func TestHTTPConnector_Accepted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/declarations", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, version.UserAgent(), r.Header.Get("User-Agent"))

		var req portal.Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "2042", req.Payload["form_type"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"reference":"DECL2025-3F2A9C1E","status":"accepted"}`))
	}))
	defer srv.Close()

	resp, err := newConnector(srv.URL).Submit(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.True(t, resp.Accepted)
	assert.Equal(t, "DECL2025-3F2A9C1E", resp.Reference)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHTTPConnector_RejectedIsNotAnError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"numero fiscal invalide"}`))
	}))
	defer srv.Close()

	resp, err := newConnector(srv.URL).Submit(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.False(t, resp.Accepted)
	assert.Equal(t, "numero fiscal invalide", resp.Message)
	assert.Equal(t, int32(1), calls.Load(), "4xx answers are not retried")
}

func TestHTTPConnector_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"reference":"OK-1"}`))
	}))
	defer srv.Close()

	resp, err := newConnector(srv.URL).Submit(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.True(t, resp.Accepted)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPConnector_GivesUpAfterMaxAttempts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newConnector(srv.URL).Submit(context.Background(), sampleRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string) (bool, error) { return false, nil }
func (denyLimiter) Limit() int                                  { return 60 }

func TestHTTPConnector_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("portal must not be called when rate limited")
	}))
	defer srv.Close()

	_, err := newConnector(srv.URL, portal.WithRateLimiter(denyLimiter{})).Submit(context.Background(), sampleRequest())

	var limited *domain.RateLimitExceededError
	require.ErrorAs(t, err, &limited)
	assert.Equal(t, 60, limited.Limit)
}

func TestHTTPConnector_APIKeyAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "k-123", r.Header.Get("X-API-Key"))
		assert.Empty(t, r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := portal.NewHTTPConnector(portal.HTTPConfig{Name: "ants", BaseURL: srv.URL, AuthMethod: portal.AuthAPIKey, Token: "k-123"})
	require.NoError(t, c.Ping(context.Background()))
}

func TestSimulatedConnector(t *testing.T) {
	c := portal.NewSimulatedConnector("ameli", portal.StaticPrefix("RBT-"), 0)
	resp, err := c.Submit(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.True(t, resp.Accepted)
	assert.Equal(t, "RBT-3F2A9C1E", resp.Reference)
	assert.Equal(t, "ameli", c.Name())
}

func TestSimulatedConnector_HonoursCancellation(t *testing.T) {
	c := portal.NewSimulatedConnector("ants", portal.StaticPrefix("ANTS-"), time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Submit(ctx, sampleRequest())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReference(t *testing.T) {
	assert.Equal(t, "ANTS-ABCDEF12", portal.Reference("ANTS-", "abcdef12-3456"))
	assert.Equal(t, "X-AB", portal.Reference("X-", "ab"))
}

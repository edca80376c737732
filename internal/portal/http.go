package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/go-case-flow/internal/domain"
	"github.com/ramiqadoumi/go-case-flow/internal/version"
	"github.com/ramiqadoumi/go-case-flow/pkg/retry"
	"github.com/ramiqadoumi/go-case-flow/pkg/telemetry"
)

// Auth methods supported by HTTPConnector.
const (
	AuthBearer = "bearer"
	AuthAPIKey = "api_key"
)

// RateLimiter bounds how often a portal may be called.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Limit() int
}

// HTTPConfig holds connection details for one portal.
type HTTPConfig struct {
	Name        string
	BaseURL     string
	AuthMethod  string
	Token       string
	Timeout     time.Duration
	MaxAttempts int
	BaseDelay   time.Duration
}

// HTTPConnector posts JSON submissions to a portal REST API.
type HTTPConnector struct {
	cfg     HTTPConfig
	client  *http.Client
	limiter RateLimiter
	logger  *slog.Logger
}

// HTTPOption configures an HTTPConnector.
type HTTPOption func(*HTTPConnector)

// WithRateLimiter throttles submissions per portal.
func WithRateLimiter(l RateLimiter) HTTPOption {
	return func(c *HTTPConnector) { c.limiter = l }
}

func WithLogger(l *slog.Logger) HTTPOption {
	return func(c *HTTPConnector) { c.logger = l }
}

// WithHTTPClient replaces the default client, mainly for tests.
func WithHTTPClient(hc *http.Client) HTTPOption {
	return func(c *HTTPConnector) { c.client = hc }
}

// NewHTTPConnector creates an HTTPConnector from config.
func NewHTTPConnector(cfg HTTPConfig, opts ...HTTPOption) *HTTPConnector {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay == 0 {
		cfg.BaseDelay = time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	c := &HTTPConnector{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *HTTPConnector) Name() string { return c.cfg.Name }

// portalReply is the JSON body portals answer with.
type portalReply struct {
	Reference string         `json:"reference"`
	Status    string         `json:"status"`
	Message   string         `json:"message"`
	Error     string         `json:"error"`
	Data      map[string]any `json:"data"`
}

// Submit posts req to BaseURL+Operation. Network errors, 429 and 5xx are
// retried with exponential backoff; other 4xx answers are returned as a
// rejected Response.
func (c *HTTPConnector) Submit(ctx context.Context, req Request) (Response, error) {
	ctx, span := otel.Tracer("portal").Start(ctx, "portal.submit")
	defer span.End()
	span.SetAttributes(
		attribute.String("portal.name", c.cfg.Name),
		attribute.String("portal.operation", req.Operation),
		attribute.String("case.id", req.CaseID),
	)

	if c.limiter != nil {
		allowed, err := c.limiter.Allow(ctx, "portal:"+c.cfg.Name)
		if err != nil {
			// Allow on limiter failure so a Redis outage does not block submissions.
			c.logger.Error("portal rate limiter error", slog.String("portal", c.cfg.Name), slog.String("error", err.Error()))
		} else if !allowed {
			err := &domain.RateLimitExceededError{Key: c.cfg.Name, Limit: c.limiter.Limit()}
			span.RecordError(err)
			span.SetStatus(codes.Error, "rate limited")
			telemetry.PortalSubmissions.WithLabelValues(c.cfg.Name, "rate_limited").Inc()
			return Response{}, err
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("encode %s submission: %w", c.cfg.Name, err)
	}

	var resp Response
	err = retry.Do(ctx, retry.Config{
		MaxAttempts: c.cfg.MaxAttempts,
		BaseDelay:   c.cfg.BaseDelay,
		OnRetry: func(attempt int, retryErr error) {
			c.logger.Warn("portal call failed, retrying",
				slog.String("portal", c.cfg.Name),
				slog.String("case_id", req.CaseID),
				slog.Int("attempt", attempt),
				slog.String("error", retryErr.Error()),
			)
		},
	}, func() error {
		var callErr error
		resp, callErr = c.post(ctx, req.Operation, body)
		return callErr
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "portal call failed")
		telemetry.PortalSubmissions.WithLabelValues(c.cfg.Name, "error").Inc()
		return Response{}, fmt.Errorf("submit to %s: %w", c.cfg.Name, err)
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	result := "accepted"
	if !resp.Accepted {
		result = "rejected"
	}
	telemetry.PortalSubmissions.WithLabelValues(c.cfg.Name, result).Inc()
	return resp, nil
}

func (c *HTTPConnector) post(ctx context.Context, operation string, body []byte) (Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+operation, bytes.NewReader(body))
	if err != nil {
		return Response{}, retry.Permanent(fmt.Errorf("build portal request: %w", err))
	}
	c.authorize(httpReq)

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return Response{}, retry.Permanent(err)
		}
		return Response{}, err
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return Response{}, fmt.Errorf("read portal response: %w", err)
	}

	if httpResp.StatusCode == http.StatusTooManyRequests || httpResp.StatusCode >= http.StatusInternalServerError {
		return Response{}, fmt.Errorf("portal %s returned status %d", c.cfg.Name, httpResp.StatusCode)
	}

	var reply portalReply
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &reply); err != nil {
			return Response{}, retry.Permanent(fmt.Errorf("decode portal response: %w", err))
		}
	}

	resp := Response{
		Accepted:    httpResp.StatusCode < http.StatusBadRequest,
		Reference:   reply.Reference,
		Message:     reply.Message,
		StatusCode:  httpResp.StatusCode,
		SubmittedAt: time.Now().UTC(),
		Data:        reply.Data,
	}
	if !resp.Accepted && resp.Message == "" {
		resp.Message = reply.Error
		if resp.Message == "" {
			resp.Message = fmt.Sprintf("portal %s rejected the submission with status %d", c.cfg.Name, httpResp.StatusCode)
		}
	}
	return resp, nil
}

func (c *HTTPConnector) authorize(r *http.Request) {
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("User-Agent", version.UserAgent())
	if c.cfg.Token == "" {
		return
	}
	switch c.cfg.AuthMethod {
	case AuthAPIKey:
		r.Header.Set("X-API-Key", c.cfg.Token)
	default:
		r.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
}

// Ping checks that the portal answers on its base URL.
func (c *HTTPConnector) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("build ping request: %w", err)
	}
	c.authorize(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("ping %s: %w", c.cfg.Name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return errors.New("portal " + c.cfg.Name + " unhealthy: " + resp.Status)
	}
	return nil
}

package cli

import (
	"log/slog"

	"github.com/ramiqadoumi/go-case-flow/internal/domain"
	"github.com/ramiqadoumi/go-case-flow/internal/handlers"
	"github.com/ramiqadoumi/go-case-flow/internal/portal"
	"github.com/ramiqadoumi/go-case-flow/services/orchestrator/config"
)

// buildConnector returns an HTTP connector when the portal has a URL and a
// simulated one otherwise.
func buildConnector(cfg config.Config, name string, p config.Portal, prefix func(portal.Request) string,
	limiter portal.RateLimiter, logger *slog.Logger) portal.Connector {
	if p.URL == "" {
		return portal.NewSimulatedConnector(name, prefix, cfg.PortalLatency)
	}
	opts := []portal.HTTPOption{portal.WithLogger(logger)}
	if limiter != nil {
		opts = append(opts, portal.WithRateLimiter(limiter))
	}
	auth := cfg.PortalAuth
	if auth == "" {
		auth = portal.AuthBearer
	}
	return portal.NewHTTPConnector(portal.HTTPConfig{
		Name:       name,
		BaseURL:    p.URL,
		AuthMethod: auth,
		Token:      p.Token,
	}, opts...)
}

// buildRegistry registers one handler per supported category.
func buildRegistry(cfg config.Config, machine *domain.StateMachine, limiter portal.RateLimiter,
	logger *slog.Logger) (*handlers.Registry, []portal.Connector) {
	impots := buildConnector(cfg, "impots", cfg.Impots, portal.YearPrefix("DECL"), limiter, logger)
	ameli := buildConnector(cfg, "ameli", cfg.Ameli, portal.StaticPrefix("RBT-"), limiter, logger)
	ants := buildConnector(cfg, "ants", cfg.ANTS, portal.StaticPrefix("ANTS-"), limiter, logger)

	opts := []handlers.Option{handlers.WithLogger(logger)}
	registry := handlers.NewRegistry()
	registry.Register(handlers.NewFiscalHandler(machine, impots, opts...))
	registry.Register(handlers.NewHealthHandler(machine, ameli, opts...))
	registry.Register(handlers.NewMobilityHandler(machine, ants, opts...))
	return registry, []portal.Connector{impots, ameli, ants}
}

// queueKey scopes the Redis dispatch queue to one instance. Cases live in the
// memory of the instance that accepted them, so no other instance may pop
// their ids.
func queueKey(prefix, instanceID string) string {
	return prefix + ":" + instanceID
}

package mcpserver

import (
	"context"
	"errors"
	"fmt"

	"github.com/spicemcp/spice/engine/audit"
	"github.com/spicemcp/spice/engine/cache"
	"github.com/spicemcp/spice/engine/dune"
	"github.com/spicemcp/spice/engine/infra/monitoring"
	"github.com/spicemcp/spice/engine/query"
	"github.com/spicemcp/spice/pkg/config"
	"github.com/spicemcp/spice/pkg/logger"
)

// Deps holds the collaborators shared by every tool.
type Deps struct {
	Config     *config.Config
	API        dune.API
	Gateway    *query.Gateway
	Assembler  *query.Assembler
	Audit      *audit.Sink
	Cache      cache.Store
	Monitoring *monitoring.Service
}

// Build wires the Dune client, result cache, audit sink and metrics from cfg.
func Build(ctx context.Context, cfg *config.Config) (*Deps, error) {
	log := logger.FromContext(ctx)
	client, err := dune.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create dune client: %w", err)
	}
	if !client.HasAPIKey() {
		log.Warn("DUNE_API_KEY is not set; queries will fail until it is configured")
	}
	store, err := cache.New(ctx, &cfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("create result cache: %w", err)
	}
	mon := monitoring.NewMonitoringServiceWithFallback(ctx, monitoring.ConfigFrom(cfg))
	return NewDeps(cfg, client, store, audit.NewSink(&cfg.History), mon), nil
}

// NewDeps assembles the gateway and assembler around already built collaborators.
func NewDeps(
	cfg *config.Config,
	api dune.API,
	store cache.Store,
	sink *audit.Sink,
	mon *monitoring.Service,
) *Deps {
	if store == nil {
		store = cache.Disabled{}
	}
	opts := []query.GatewayOption{query.WithCache(store), query.WithAuditSink(sink)}
	if mon != nil {
		opts = append(opts, query.WithMetrics(mon.QueryMetrics()))
	}
	return &Deps{
		Config:  cfg,
		API:     api,
		Gateway: query.NewGateway(api, query.GatewayConfigFrom(cfg), opts...),
		Assembler: query.NewAssembler(api, query.AssemblerConfig{
			PreviewLimit: cfg.Query.PreviewLimit,
			RawLimit:     cfg.Query.RawLimit,
			MaxLimit:     cfg.Query.MaxLimit,
		}),
		Audit:      sink,
		Cache:      store,
		Monitoring: mon,
	}
}

// Close releases the cache connection and flushes metrics.
func (d *Deps) Close(ctx context.Context) error {
	var errs []error
	if d.Cache != nil {
		if err := d.Cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close cache: %w", err))
		}
	}
	if d.Monitoring != nil {
		if err := d.Monitoring.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown monitoring: %w", err))
		}
	}
	return errors.Join(errs...)
}

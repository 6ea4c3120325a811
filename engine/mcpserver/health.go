package mcpserver

import (
	"context"
	"time"

	"github.com/spicemcp/spice/pkg/config"
	"github.com/spicemcp/spice/pkg/logger"
	"github.com/spicemcp/spice/pkg/version"
	"golang.org/x/sync/errgroup"
)

const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"

	healthCheckTimeout = 5 * time.Second
)

// HealthReport is the dune_health_check envelope.
type HealthReport struct {
	OK               bool   `json:"ok"`
	Status           string `json:"status"`
	Version          string `json:"version"`
	APIKeyPresent    bool   `json:"api_key_present"`
	LoggingEnabled   bool   `json:"logging_enabled"`
	QueryHistoryPath string `json:"query_history_path,omitempty"`
	ArtifactRoot     string `json:"artifact_root,omitempty"`
	CacheMode        string `json:"cache_mode"`
	CacheOK          *bool  `json:"cache_ok,omitempty"`
	RawSQLEngine     string `json:"raw_sql_engine"`
	TemplateQueryID  int64  `json:"template_query_id,omitempty"`
	TemplateQueryOK  *bool  `json:"template_query_ok,omitempty"`
	MetricsEnabled   bool   `json:"metrics_enabled"`
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Health reports configuration problems without failing. Remote probes run in
// parallel and are bounded by a short timeout.
func (t *Tools) Health(ctx context.Context) *HealthReport {
	cfg := t.deps.Config
	report := &HealthReport{
		OK:             true,
		Version:        version.Get().Version,
		APIKeyPresent:  cfg.Dune.APIKey.Value() != "",
		LoggingEnabled: t.deps.Audit != nil && t.deps.Audit.Enabled(),
		CacheMode:      config.CacheModeOff,
		RawSQLEngine:   cfg.Dune.RawSQLEngine,
	}
	if report.LoggingEnabled {
		report.QueryHistoryPath = t.deps.Audit.Path()
		report.ArtifactRoot = cfg.History.ArtifactRoot
	}
	if t.deps.Cache != nil {
		report.CacheMode = t.deps.Cache.Mode()
	}
	if t.deps.Monitoring != nil {
		report.MetricsEnabled = t.deps.Monitoring.IsInitialized()
	}
	checkTemplate := cfg.Dune.RawSQLEngine == config.RawSQLEngineTemplate && report.APIKeyPresent
	if checkTemplate {
		report.TemplateQueryID = cfg.Dune.RawSQLQueryID
	}

	g, gCtx := errgroup.WithContext(ctx)
	if checkTemplate {
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(gCtx, healthCheckTimeout)
			defer cancel()
			_, err := t.deps.API.GetQuery(probeCtx, cfg.Dune.RawSQLQueryID)
			ok := err == nil
			if !ok {
				logger.FromContext(ctx).Warn("Template query check failed", "query_id", cfg.Dune.RawSQLQueryID, "error", err)
			}
			report.TemplateQueryOK = &ok
			return nil
		})
	}
	if p, isPinger := t.deps.Cache.(pinger); isPinger {
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(gCtx, healthCheckTimeout)
			defer cancel()
			err := p.Ping(probeCtx)
			ok := err == nil
			if !ok {
				logger.FromContext(ctx).Warn("Result cache ping failed", "error", err)
			}
			report.CacheOK = &ok
			return nil
		})
	}
	_ = g.Wait()

	report.Status = StatusOK
	if !report.APIKeyPresent ||
		(report.TemplateQueryOK != nil && !*report.TemplateQueryOK) ||
		(report.CacheOK != nil && !*report.CacheOK) {
		report.Status = StatusDegraded
	}
	return report
}

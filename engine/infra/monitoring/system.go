package monitoring

import (
	"context"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/spicemcp/spice/pkg/logger"
	"github.com/spicemcp/spice/pkg/version"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	buildInfo          metric.Float64Gauge
	uptimeGauge        metric.Float64ObservableGauge
	uptimeRegistration metric.Registration
	startTime          time.Time
	systemInitOnce     sync.Once
	systemResetMutex   sync.Mutex
)

func initSystemMetrics(ctx context.Context, meter metric.Meter) {
	log := logger.FromContext(ctx)
	systemInitOnce.Do(func() {
		var err error
		buildInfo, err = meter.Float64Gauge(
			"spice_build_info",
			metric.WithDescription("Build information (value=1)"),
		)
		if err != nil {
			log.Error("Failed to create build info gauge", "error", err)
		}
		uptimeGauge, err = meter.Float64ObservableGauge(
			"spice_uptime_seconds",
			metric.WithDescription("Server uptime in seconds"),
		)
		if err != nil {
			log.Error("Failed to create uptime gauge", "error", err)
			return
		}
		startTime = time.Now()
		uptimeRegistration, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			o.ObserveFloat64(uptimeGauge, time.Since(startTime).Seconds())
			return nil
		}, uptimeGauge)
		if err != nil {
			log.Error("Failed to register uptime callback", "error", err)
		}
	})
}

// getBuildInfo prefers ldflags values and falls back to module build info.
func getBuildInfo() (ver, commit, goVersion string) {
	ver = version.Version
	commit = version.CommitHash
	if info, ok := debug.ReadBuildInfo(); ok {
		if ver == "dev" && info.Main.Version != "" && info.Main.Version != "(devel)" {
			ver = info.Main.Version
		}
		if commit == "unknown" {
			for _, setting := range info.Settings {
				if setting.Key == "vcs.revision" {
					commit = setting.Value
					break
				}
			}
		}
	}
	return ver, commit, runtime.Version()
}

func recordBuildInfo(ctx context.Context) {
	if buildInfo == nil {
		return
	}
	ver, commit, goVersion := getBuildInfo()
	buildInfo.Record(ctx, 1,
		metric.WithAttributes(
			attribute.String("version", ver),
			attribute.String("commit_hash", commit),
			attribute.String("go_version", goVersion),
		),
	)
	logger.FromContext(ctx).Debug("System metrics initialized",
		"version", ver,
		"commit", commit,
		"go_version", goVersion,
	)
}

// InitSystemMetrics initializes system health metrics and records build info
func InitSystemMetrics(ctx context.Context, meter metric.Meter) {
	initSystemMetrics(ctx, meter)
	recordBuildInfo(ctx)
}

// ResetSystemMetricsForTesting resets the system metrics initialization state for testing
func ResetSystemMetricsForTesting() {
	systemResetMutex.Lock()
	defer systemResetMutex.Unlock()
	if uptimeRegistration != nil {
		_ = uptimeRegistration.Unregister()
		uptimeRegistration = nil
	}
	buildInfo = nil
	uptimeGauge = nil
	startTime = time.Time{}
	systemInitOnce = sync.Once{}
}

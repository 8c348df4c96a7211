package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfoOnce sync.Once
	buildMu       sync.RWMutex
	buildLabels   = map[string]string{}

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "docflow_build_info",
			Help: "docflow API build information.",
		},
		[]string{"version", "commit", "schema"},
	)
)

// InitBuildInfo registers docflow_build_info once and publishes the running version.
// schema is the newest applied migration, or "unknown".
func InitBuildInfo(version, commit, schema string) {
	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfo)
	})
	if schema == "" {
		schema = "unknown"
	}
	buildInfo.Reset()
	buildInfo.WithLabelValues(version, commit, schema).Set(1)

	buildMu.Lock()
	buildLabels = map[string]string{"version": version, "commit": commit, "schema": schema}
	buildMu.Unlock()
}

// BuildInfo returns the labels last published by InitBuildInfo.
func BuildInfo() map[string]string {
	buildMu.RLock()
	defer buildMu.RUnlock()
	out := make(map[string]string, len(buildLabels))
	for k, v := range buildLabels {
		out[k] = v
	}
	return out
}

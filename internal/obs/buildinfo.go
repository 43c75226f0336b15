package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfoOnce sync.Once

	// buildInfo: gauge со значением 1 и метками сборки.
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "neurobank_build_info",
			Help: "Neurobank admin API build information.",
		},
		[]string{"version", "commit", "environment"},
	)
)

// InitBuildInfo регистрирует метрику build_info (однократно) и устанавливает значение.
func InitBuildInfo(version, commit, environment string) {
	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfo)
	})
	buildInfo.WithLabelValues(version, commit, environment).Set(1)
}

package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once       sync.Once
	collectors []prometheus.Collector
)

// register is called by init() in each metrics file to enqueue collectors.
func register(cs ...prometheus.Collector) {
	collectors = append(collectors, cs...)
}

// MustRegister registers every enqueued collector with reg exactly once.
// A nil reg means the default registerer.
func MustRegister(reg prometheus.Registerer) {
	once.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		if len(collectors) > 0 {
			reg.MustRegister(collectors...)
		}
	})
}

// Collectors exposes the enqueued collectors, mainly for tests that use a
// private registry.
func Collectors() []prometheus.Collector {
	return append([]prometheus.Collector(nil), collectors...)
}

func norm(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

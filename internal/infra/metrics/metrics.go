// File: internal/infra/metrics/metrics.go
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

func norm(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

// Gather exposes the collected families of the default registry; used by tests.
func Gather() ([]string, error) {
	mfs, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(mfs))
	for _, mf := range mfs {
		names = append(names, mf.GetName())
	}
	return names, nil
}

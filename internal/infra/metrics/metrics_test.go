package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestChecksTotalHasFixedCardinality(t *testing.T) {
	registry := prometheus.NewRegistry()
	MustRegister(registry)

	ChecksTotal.Inc()

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("не ожидали ошибку сборки метрик: %v", err)
	}
	for _, family := range families {
		if family.GetName() != "checks_total" {
			continue
		}
		for _, metric := range family.GetMetric() {
			if len(metric.GetLabel()) != 0 {
				t.Fatalf("счётчик проверок не должен иметь меток, получили %v", metric.GetLabel())
			}
		}
		return
	}
	t.Fatalf("метрика checks_total не зарегистрирована")
}

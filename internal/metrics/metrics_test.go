package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandler_ExposesCollectors(t *testing.T) {
	m := New()
	m.FinalizedQuanta.Add(3)
	m.PushedPortions.WithLabelValues("quanta").Inc()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	text := string(body)

	for _, want := range []string{
		"constellation_finalized_quanta_total 3",
		`constellation_pushed_portions_total{stream="quanta"} 1`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("missing %q in exposition", want)
		}
	}
}

func TestNew_IndependentRegistries(t *testing.T) {
	a := New()
	b := New()

	a.FlushRetries.Inc()

	families, err := b.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	for _, f := range families {
		if f.GetName() == "constellation_flush_retries_total" && f.GetMetric()[0].GetCounter().GetValue() != 0 {
			t.Error("registries should not share collectors")
		}
	}
}

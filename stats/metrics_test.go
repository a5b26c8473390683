package stats

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

type fakeShares struct {
	accepted, rejected uint64
}

func (s *fakeShares) Accepted() uint64 { return s.accepted }
func (s *fakeShares) Rejected() uint64 { return s.rejected }

// TestRegisterMetrics ensures the registered metrics read the live counters.
func TestRegisterMetrics(t *testing.T) {
	counters := newCounters(2)
	shares := &fakeShares{accepted: 3, rejected: 1}

	reg := prometheus.NewRegistry()
	if err := RegisterMetrics(reg, counters, shares); err != nil {
		t.Fatalf("RegisterMetrics: %v", err)
	}
	counters[0].Add(42)
	counters[1].Add(7)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	got := make(map[string]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			name := mf.GetName()
			for _, l := range m.GetLabel() {
				name += "/" + l.GetName() + "=" + l.GetValue()
			}
			got[name] = m.GetCounter().GetValue()
		}
	}

	want := map[string]float64{
		"powminer_worker_hashes_total/worker=0": 42,
		"powminer_worker_hashes_total/worker=1": 7,
		"powminer_shares_accepted_total":        3,
		"powminer_shares_rejected_total":        1,
	}
	for name, v := range want {
		if got[name] != v {
			t.Errorf("%s: got %v, want %v", name, got[name], v)
		}
	}

	// Registering the same workers twice is refused.
	if err := RegisterMetrics(reg, counters, nil); err == nil {
		t.Fatal("expected duplicate registration error")
	}
}

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

type fakeCalls struct{ n int }

func (f fakeCalls) Len() int { return f.n }

type fakeRegs struct{ n int }

func (f fakeRegs) Count() int { return f.n }

func gather(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	t.Fatalf("metric family %q not found", name)
	return nil
}

func TestCollectorReportsLiveGauges(t *testing.T) {
	c := NewCollector(fakeCalls{n: 3}, fakeRegs{n: 7}, time.Unix(0, 0))
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))

	calls := gather(t, reg, "sipcore_calls_live")
	require.Equal(t, float64(3), calls.Metric[0].GetGauge().GetValue())

	regs := gather(t, reg, "sipcore_registrations_live")
	require.Equal(t, float64(7), regs.Metric[0].GetGauge().GetValue())
}

func TestCollectorCountersIncrement(t *testing.T) {
	c := NewCollector(nil, nil, time.Unix(0, 0))
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))

	c.CallProcSpawned()
	c.CallProcSpawned()
	c.CallProcExpired()
	c.ForkBranchStarted()
	c.IncParseError("UDP")
	c.IncParseError("UDP")
	c.IncParseError("TCP")

	spawned := gather(t, reg, "sipcore_calls_spawned_total")
	require.Equal(t, float64(2), spawned.Metric[0].GetCounter().GetValue())

	expired := gather(t, reg, "sipcore_calls_expired_total")
	require.Equal(t, float64(1), expired.Metric[0].GetCounter().GetValue())

	forks := gather(t, reg, "sipcore_fork_branches_total")
	require.Equal(t, float64(1), forks.Metric[0].GetCounter().GetValue())

	parseErrs := gather(t, reg, "sipcore_transport_parse_errors_total")
	var udp, tcp float64
	for _, m := range parseErrs.Metric {
		for _, lp := range m.Label {
			if lp.GetName() == "network" {
				switch lp.GetValue() {
				case "UDP":
					udp = m.GetCounter().GetValue()
				case "TCP":
					tcp = m.GetCounter().GetValue()
				}
			}
		}
	}
	require.Equal(t, float64(2), udp)
	require.Equal(t, float64(1), tcp)
}

func TestCollectorSkipsNilProviders(t *testing.T) {
	c := NewCollector(nil, nil, time.Unix(0, 0))
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))

	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		require.NotEqual(t, "sipcore_calls_live", f.GetName())
		require.NotEqual(t, "sipcore_registrations_live", f.GetName())
	}
}

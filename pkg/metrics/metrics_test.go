package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRegistryCountersIncrement(t *testing.T) {
	r := New()

	r.ControlReqs.WithLabelValues("show").Inc()
	r.ControlReqs.WithLabelValues("show").Inc()
	r.ControlReqs.WithLabelValues("reload").Inc()

	require.Equal(t, float64(2), testutil.ToFloat64(r.ControlReqs.WithLabelValues("show")))
	require.Equal(t, float64(1), testutil.ToFloat64(r.ControlReqs.WithLabelValues("reload")))

	r.ReloadsTotal.WithLabelValues("ok").Inc()
	require.Equal(t, float64(1), testutil.ToFloat64(r.ReloadsTotal.WithLabelValues("ok")))
	require.Equal(t, float64(0), testutil.ToFloat64(r.ReloadsTotal.WithLabelValues("error")))
}

func TestRegistryHostsUpGaugeReflectsSet(t *testing.T) {
	r := New()

	r.HostsUp.WithLabelValues("websrvs").Set(3)
	require.Equal(t, float64(3), testutil.ToFloat64(r.HostsUp.WithLabelValues("websrvs")))

	r.HostsUp.WithLabelValues("websrvs").Set(1)
	require.Equal(t, float64(1), testutil.ToFloat64(r.HostsUp.WithLabelValues("websrvs")))
}

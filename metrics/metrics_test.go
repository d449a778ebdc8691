package metrics

import (
	"context"
	"strings"
	"testing"
	"time"

	log "github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/flant/negentropy/provisioning/breaker"
	"github.com/flant/negentropy/provisioning/model"
)

func Test_ArchivedOperationsAreCounted(t *testing.T) {
	registry := prometheus.NewRegistry()
	m, err := New(registry, breaker.NewBreaker(breaker.Settings{}, log.NewNullLogger()))
	require.NoError(t, err)

	for _, state := range []model.OperationState{model.StateExecuted, model.StateExecuted, model.StateException} {
		require.NoError(t, m.Save(context.Background(), &model.ArchiveRecord{
			SystemUUID: "s1", OperationType: model.OperationCreate, State: state, Attempts: 1,
		}))
	}

	require.Equal(t, 2.0, testutil.ToFloat64(m.operations.WithLabelValues("s1", "CREATE", "EXECUTED")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("s1", "CREATE", "EXCEPTION")))
}

func Test_BreakerCollector(t *testing.T) {
	registry := prometheus.NewRegistry()
	brk := breaker.NewBreaker(breaker.Settings{Threshold: 2, Window: time.Minute}, log.NewNullLogger())
	_, err := New(registry, brk)
	require.NoError(t, err)
	now := time.Now()
	brk.Record(breaker.Key{SystemUUID: "s1", Operation: model.OperationCreate}, now)
	brk.Record(breaker.Key{SystemUUID: "s1", Operation: model.OperationCreate}, now)
	brk.Record(breaker.Key{SystemUUID: "s2", Operation: model.OperationDelete}, now)

	expected := `
# HELP provisioner_breaker_open 1 when the breaker blocks execution.
# TYPE provisioner_breaker_open gauge
provisioner_breaker_open{operation="CREATE",system="s1"} 1
provisioner_breaker_open{operation="DELETE",system="s2"} 0
# HELP provisioner_breaker_window_entries Attempts retained in the breaker window.
# TYPE provisioner_breaker_window_entries gauge
provisioner_breaker_window_entries{operation="CREATE",system="s1"} 2
provisioner_breaker_window_entries{operation="DELETE",system="s2"} 1
`
	require.NoError(t, testutil.GatherAndCompare(registry, strings.NewReader(expected),
		"provisioner_breaker_open", "provisioner_breaker_window_entries"))
}

func Test_DoubleRegistrationFails(t *testing.T) {
	registry := prometheus.NewRegistry()
	brk := breaker.NewBreaker(breaker.Settings{}, log.NewNullLogger())
	_, err := New(registry, brk)
	require.NoError(t, err)

	_, err = New(registry, brk)
	require.Error(t, err)
}

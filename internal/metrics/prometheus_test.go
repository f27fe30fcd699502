package metrics

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSink(t *testing.T) (*PrometheusSink, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewPrometheusSink(reg, nil), reg
}

func TestWebhookAndDispatchCounters(t *testing.T) {
	sink, _ := newTestSink(t)

	sink.WebhookReceived(OutcomeAccepted)
	sink.WebhookReceived(OutcomeAccepted)
	sink.WebhookReceived(OutcomeMalformed)
	sink.RequestsDispatched(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(sink.webhooksTotal.WithLabelValues(OutcomeAccepted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.webhooksTotal.WithLabelValues(OutcomeMalformed)))
	assert.Equal(t, 3.0, testutil.ToFloat64(sink.dispatchedTotal))
}

func TestPollAndRunObservations(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.ObservePoll(true, nil, time.Second)
	sink.ObservePoll(false, nil, time.Second)
	sink.ObservePoll(true, errors.New("boom"), time.Second)
	sink.ObserveRun("scheduled", 2*time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(sink.pollsTotal.WithLabelValues("changed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.pollsTotal.WithLabelValues("unchanged")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.pollsTotal.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.runsTotal.WithLabelValues("scheduled")))

	count, err := testutil.GatherAndCount(reg, "bitbucket_hook_poll_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestTrackQueue(t *testing.T) {
	sink, reg := newTestSink(t)
	sink.TrackQueue(func() (int, int, int) { return 2, 1, 5 })

	expected := `
# HELP bitbucket_hook_queue_pending Number of pending dispatch requests.
# TYPE bitbucket_hook_queue_pending gauge
bitbucket_hook_queue_pending 5
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "bitbucket_hook_queue_pending"))
}

func TestDuplicateRegistrationIsNotFatal(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewPrometheusSink(reg, nil)
	second := NewPrometheusSink(reg, nil)
	second.WebhookReceived(OutcomeIgnored)
}

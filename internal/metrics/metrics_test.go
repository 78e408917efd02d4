package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestTasksSubmitted_LabeledByQueueAndPriority(t *testing.T) {
	TasksSubmitted.Reset()
	TasksSubmitted.WithLabelValues("q1", "normal").Inc()
	TasksSubmitted.WithLabelValues("q1", "critical").Inc()
	TasksSubmitted.WithLabelValues("q1", "critical").Inc()

	require.Equal(t, float64(1), testutil.ToFloat64(TasksSubmitted.WithLabelValues("q1", "normal")))
	require.Equal(t, float64(2), testutil.ToFloat64(TasksSubmitted.WithLabelValues("q1", "critical")))
}

func TestTasksProcessed_LabeledByQueueAndStatus(t *testing.T) {
	TasksProcessed.Reset()
	TasksProcessed.WithLabelValues("q1", "succeeded").Inc()
	TasksProcessed.WithLabelValues("q1", "failed").Inc()

	require.Equal(t, float64(1), testutil.ToFloat64(TasksProcessed.WithLabelValues("q1", "succeeded")))
	require.Equal(t, float64(1), testutil.ToFloat64(TasksProcessed.WithLabelValues("q1", "failed")))
	require.Equal(t, float64(0), testutil.ToFloat64(TasksProcessed.WithLabelValues("q1", "retrying")))
}

func TestTaskDuration_RecordsObservations(t *testing.T) {
	TaskDuration.Reset()
	TaskDuration.WithLabelValues("q1").Observe(0.05)
	TaskDuration.WithLabelValues("q1").Observe(0.5)

	count := testutil.CollectAndCount(TaskDuration)
	require.Equal(t, 1, count)
}

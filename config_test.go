package uniqw

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWorkerConfig_Validate(t *testing.T) {
	valid := WorkerConfig{Queues: []string{"q"}, MaxConcurrentTasks: 1}
	require.NoError(t, valid.Validate())

	noQueues := valid
	noQueues.Queues = nil
	require.ErrorIs(t, noQueues.Validate(), ErrConfiguration)

	noConcurrency := valid
	noConcurrency.MaxConcurrentTasks = 0
	require.ErrorIs(t, noConcurrency.Validate(), ErrConfiguration)
}

func TestNewClientFromConfig_DefaultsToLocalhost(t *testing.T) {
	rdb, err := NewClientFromConfig(QueueConfig{})
	require.NoError(t, err)
	defer rdb.Close()
	require.Equal(t, "127.0.0.1:6379", rdb.Options().Addr)
}

func TestNewClientFromConfig_HonorsStoreURLAndPoolSize(t *testing.T) {
	rdb, err := NewClientFromConfig(QueueConfig{StoreURL: "redis://example:6380/2", MaxConnections: 42})
	require.NoError(t, err)
	defer rdb.Close()
	require.Equal(t, "example:6380", rdb.Options().Addr)
	require.Equal(t, 2, rdb.Options().DB)
	require.Equal(t, 42, rdb.Options().PoolSize)
}

func TestNewClientFromConfig_InvalidURL(t *testing.T) {
	_, err := NewClientFromConfig(QueueConfig{StoreURL: "not-a-url"})
	require.ErrorIs(t, err, ErrConfiguration)
}

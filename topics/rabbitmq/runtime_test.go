package rabbitmq

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/casualjim/brook/topics"
	"github.com/casualjim/brook/topics/topicstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func runRabbitMQ(t *testing.T) string {
	t.Helper()
	defer func() {
		if r := recover(); r != nil {
			t.Skipf("docker/container runtime unavailable: %v", r)
		}
	}()
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "rabbitmq:3.13-alpine",
		ExposedPorts: []string{"5672/tcp"},
		WaitingFor:   wait.ForListeningPort("5672/tcp").WithStartupTimeout(60 * time.Second),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Skipf("rabbitmq container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = c.Terminate(ctx) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "5672")
	require.NoError(t, err)
	return fmt.Sprintf("amqp://guest:guest@%s:%s/", host, port.Port())
}

func TestRabbitMQRuntime(t *testing.T) {
	url := runRabbitMQ(t)
	cluster := topics.StreamingCluster{Type: BackendName, Configuration: map[string]any{"url": url}}

	topicstest.Run(t, "RabbitMQ", func(t *testing.T) (topics.TopicConnectionsRuntime, topics.StreamingCluster) {
		loader, err := topics.NewLoader()
		require.NoError(t, err)
		t.Cleanup(func() { _ = loader.ReleaseAll() })

		desc, err := loader.Load(BackendName)
		require.NoError(t, err)
		facade := topics.NewFacade(desc)
		require.NoError(t, facade.Init(context.Background(), cluster))
		return facade, cluster
	}, topicstest.WithoutReplay())
}

func TestInitRequiresURL(t *testing.T) {
	loader, err := topics.NewLoader()
	require.NoError(t, err)
	defer loader.ReleaseAll()

	desc, err := loader.Load(BackendName)
	require.NoError(t, err)
	assert.Error(t, desc.Runtime.Init(context.Background(), topics.StreamingCluster{Type: BackendName}))
	_, err = desc.Runtime.CreateTopicAdmin(context.Background(), "a", topics.StreamingCluster{}, nil)
	assert.Error(t, err)
	assert.NoError(t, desc.Runtime.Close())
}

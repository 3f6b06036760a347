package natsx

import (
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromConfigDefaults(t *testing.T) {
	t.Setenv("NATS_URL", "")

	o := FromConfig(nil)
	assert.Equal(t, nats.DefaultURL, o.URL)
	assert.Equal(t, "brook", o.Name)
	assert.Equal(t, nats.DefaultTimeout, o.ConnectTimeout)
	assert.Len(t, o.natsOptions(), 3)
}

func TestFromConfigEnvFallback(t *testing.T) {
	t.Setenv("NATS_URL", "nats://env:4222")

	assert.Equal(t, "nats://env:4222", FromConfig(nil).URL)
	assert.Equal(t, "nats://cfg:4222", FromConfig(map[string]any{"url": "nats://cfg:4222"}).URL)
}

func TestFromConfig(t *testing.T) {
	o := FromConfig(map[string]any{
		"url":             "nats://example:4222",
		"name":            "qa",
		"user":            "alice",
		"password":        "secret",
		"connect-timeout": "250ms",
	})
	assert.Equal(t, Options{
		URL:            "nats://example:4222",
		Name:           "qa",
		User:           "alice",
		Password:       "secret",
		ConnectTimeout: 250 * time.Millisecond,
	}, o)
	assert.Len(t, o.natsOptions(), 4)
}

func TestConnectFailure(t *testing.T) {
	_, err := Connect(Options{URL: "nats://127.0.0.1:1", Name: "qa", ConnectTimeout: 100 * time.Millisecond})
	require.Error(t, err)
}

package main

import (
	"bytes"
	"context"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/casualjim/brook/config"
	"github.com/casualjim/brook/runner"
	"github.com/casualjim/brook/topics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const localApp = `
application:
  id: cli-test
streaming-cluster:
  type: local
runtime:
  shutdown-timeout: 2s
  log-level: error
topics:
  - name: questions
    creation-mode: create-if-not-exists
  - name: answers
    creation-mode: create-if-not-exists
    deletion-mode: delete
agents:
  - id: echo
    max-loops: 2
    input:
      topic: questions
      poll-timeout: 10ms
    output:
      topic: answers
    steps:
      - type: identity
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "brook.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRunCommand(t *testing.T) {
	path := writeConfig(t, localApp)

	out, err := execute(t, "run", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "echo")
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "in=0 out=0")
}

func TestRunCommandMissingConfig(t *testing.T) {
	_, err := execute(t, "run", "--config", filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestDeployAndDeleteCommands(t *testing.T) {
	path := writeConfig(t, localApp)

	out, err := execute(t, "deploy", "-c", path)
	require.NoError(t, err)
	assert.Contains(t, out, "deployed 2 topics for cli-test")

	out, err = execute(t, "delete", "-c", path)
	require.NoError(t, err)
	assert.Contains(t, out, "deleted topics of cli-test")
}

func TestBackendsCommand(t *testing.T) {
	out, err := execute(t, "backends")
	require.NoError(t, err)
	for _, name := range []string{"local", "kafka", "nats", "rabbitmq"} {
		assert.Contains(t, out, name)
	}
}

func TestValidateCommand(t *testing.T) {
	path := writeConfig(t, localApp)

	out, err := execute(t, "validate", "-c", path, "--print")
	require.NoError(t, err)
	assert.Contains(t, out, "cli-test: 1 agents, 2 topics, 0 resources")
	assert.Contains(t, out, "config.Config")
}

const completionResponse = `{"id":"c1","object":"chat.completion","created":1,"model":"gpt-4o-mini",` +
	`"choices":[{"index":0,"message":{"role":"assistant","content":"**Hi** there"},"finish_reason":"stop","logprobs":null}],` +
	`"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`

func TestCompleteCommand(t *testing.T) {
	var (
		mu   sync.Mutex
		body string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		body = string(b)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, completionResponse)
	}))
	t.Cleanup(server.Close)

	app := localApp + fmt.Sprintf(`
resources:
  openai:
    type: openai
    configuration:
      api-key: sk-test
      base-url: %s/v1
`, server.URL)
	path := writeConfig(t, app)

	out, err := execute(t, "complete", "-c", path, "-m", "gpt-4o-mini", "--system", "be brief", "--raw", "say", "hi")
	require.NoError(t, err)
	assert.Equal(t, "**Hi** there\n", out)
	mu.Lock()
	assert.Contains(t, body, "be brief")
	assert.Contains(t, body, "say hi")
	mu.Unlock()

	out, err = execute(t, "complete", "-c", path, "--model", "gpt-4o-mini", "hi")
	require.NoError(t, err)
	assert.Contains(t, out, "there")

	_, err = execute(t, "complete", "-c", path, "-r", "missing", "-m", "gpt-4o-mini", "hi")
	require.Error(t, err)
}

func TestPickResource(t *testing.T) {
	_, err := pickResource(nil, "")
	require.Error(t, err)

	one := map[string]runner.ResourceConfiguration{"openai": {Type: "openai"}}
	res, err := pickResource(one, "")
	require.NoError(t, err)
	assert.Equal(t, "openai", res.Type)

	res, err = pickResource(one, "OpenAI")
	require.NoError(t, err)
	assert.Equal(t, "openai", res.Type)

	two := map[string]runner.ResourceConfiguration{"openai": {Type: "openai"}, "claude": {Type: "anthropic"}}
	_, err = pickResource(two, "")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "claude, openai"))
}

func TestPluginDirFor(t *testing.T) {
	t.Setenv("TMPDIR", "/tmp/brook-test")

	assert.Empty(t, pluginDirFor(config.Config{}, ""))
	assert.Equal(t, "/flag", pluginDirFor(config.Config{Runtime: config.RuntimeConfig{PluginDir: "/cfg"}}, "/flag"))
	assert.Equal(t, "/cfg", pluginDirFor(config.Config{Runtime: config.RuntimeConfig{PluginDir: "/cfg"}}, ""))

	withDeps := config.Config{Runtime: config.RuntimeConfig{Dependencies: []config.Dependency{{Name: "x.so"}}}}
	assert.Equal(t, filepath.Join("/tmp/brook-test", "brook-plugins"), pluginDirFor(withDeps, ""))
}

func TestPrepareLoaderUsesDownloadDir(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("TMPDIR", tmp)

	plugin := []byte("not a real plugin")
	digest := sha512.Sum512(plugin)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(plugin)
	}))
	t.Cleanup(server.Close)

	cfg := config.Config{Runtime: config.RuntimeConfig{Dependencies: []config.Dependency{{
		Name:   "downloaded.so",
		URL:    server.URL + "/downloaded.so",
		SHA512: hex.EncodeToString(digest[:]),
	}}}}

	loader, err := prepareLoader(context.Background(), cfg, "", slogDiscard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = loader.ReleaseAll() })

	assert.FileExists(t, filepath.Join(tmp, "brook-plugins", "downloaded.so"))
	_, err = loader.Load("downloaded")
	assert.ErrorIs(t, err, topics.ErrInvalidPlugin, "the loader looks in the directory the plugin was downloaded to")
}

func slogDiscard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

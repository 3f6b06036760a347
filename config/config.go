// Package config loads application descriptions for the brook binary.
//
// A file (YAML, TOML or JSON, chosen by extension) declares the streaming
// cluster, the topics to deploy, the ai services and the agents. Every
// setting present in the file can be overridden from the environment with
// the BROOK_ prefix, dots and dashes replaced by underscores:
// BROOK_STREAMING_CLUSTER_TYPE overrides streaming-cluster.type.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/casualjim/brook/runner"
	"github.com/casualjim/brook/step"
	"github.com/casualjim/brook/topics"
	"github.com/spf13/viper"
)

const EnvPrefix = "brook"

type Config struct {
	Application      ApplicationConfig                       `mapstructure:"application"`
	StreamingCluster topics.StreamingCluster                 `mapstructure:"streaming-cluster"`
	Runtime          RuntimeConfig                           `mapstructure:"runtime"`
	Resources        map[string]runner.ResourceConfiguration `mapstructure:"resources"`
	Topics           []topics.TopicDefinition                `mapstructure:"topics"`
	Agents           []AgentConfig                           `mapstructure:"agents"`
}

type ApplicationConfig struct {
	ID string `mapstructure:"id"`
}

type RuntimeConfig struct {
	PluginDir       string        `mapstructure:"plugin-dir"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown-timeout"`
	LogLevel        string        `mapstructure:"log-level"`
	Dependencies    []Dependency  `mapstructure:"dependencies"`
}

// Dependency is a file the runtime downloads before starting, typically a
// backend plugin.
type Dependency struct {
	Name   string `mapstructure:"name"`
	URL    string `mapstructure:"url"`
	SHA512 string `mapstructure:"sha512sum"`
}

type AgentConfig struct {
	ID       string            `mapstructure:"id"`
	Input    map[string]any    `mapstructure:"input"`
	Output   map[string]any    `mapstructure:"output"`
	Steps    []step.Definition `mapstructure:"steps"`
	Errors   runner.ErrorsSpec `mapstructure:"errors"`
	MaxLoops int               `mapstructure:"max-loops"`
}

// Load reads and validates the configuration at path.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("runtime.shutdown-timeout", runner.DefaultShutdownTimeout)
	v.SetDefault("runtime.log-level", "info")
}

func (c Config) Validate() error {
	var err error
	if c.Application.ID == "" {
		err = errors.Join(err, errors.New("application.id is required"))
	}
	if c.StreamingCluster.Type == "" {
		err = errors.Join(err, errors.New("streaming-cluster.type is required"))
	}
	for i, t := range c.Topics {
		if t.Name == "" {
			err = errors.Join(err, fmt.Errorf("topics[%d]: name is required", i))
		}
		switch t.CreationMode {
		case "", topics.CreateIfNotExists, topics.CreateNone:
		default:
			err = errors.Join(err, fmt.Errorf("topics[%d]: unknown creation-mode %q", i, t.CreationMode))
		}
		switch t.DeletionMode {
		case "", topics.DeleteTopic, topics.DeleteNone:
		default:
			err = errors.Join(err, fmt.Errorf("topics[%d]: unknown deletion-mode %q", i, t.DeletionMode))
		}
	}
	for i, d := range c.Runtime.Dependencies {
		if d.Name == "" || d.URL == "" || d.SHA512 == "" {
			err = errors.Join(err, fmt.Errorf("runtime.dependencies[%d]: name, url and sha512sum are required", i))
		}
	}
	for name, r := range c.Resources {
		if r.Type == "" {
			err = errors.Join(err, fmt.Errorf("resources.%s: type is required", name))
		}
	}
	if len(c.Agents) == 0 {
		err = errors.Join(err, errors.New("at least one agent is required"))
	}
	for _, pod := range c.Pods() {
		err = errors.Join(err, pod.Validate())
	}
	return err
}

// Pods turns the agents into pod configurations for the runner.
func (c Config) Pods() []runner.PodConfiguration {
	pods := make([]runner.PodConfiguration, 0, len(c.Agents))
	for _, a := range c.Agents {
		pods = append(pods, runner.PodConfiguration{
			AgentID:       a.ID,
			ApplicationID: c.Application.ID,
			Cluster:       c.StreamingCluster,
			Input:         a.Input,
			Output:        a.Output,
			Steps:         a.Steps,
			Resources:     c.Resources,
			Errors:        a.Errors,
			MaxLoops:      a.MaxLoops,
		})
	}
	return pods
}

// Plan is the execution plan of the topics section.
func (c Config) Plan() *topics.ExecutionPlan {
	return &topics.ExecutionPlan{
		ApplicationID: c.Application.ID,
		Topics:        c.Topics,
	}
}

package runner

import (
	"errors"
	"fmt"

	"github.com/casualjim/brook/step"
	"github.com/casualjim/brook/topics"
)

type OnFailure string

const (
	FailPod    OnFailure = "fail"
	SkipRecord OnFailure = "skip"
	DeadLetter OnFailure = "dead-letter"
)

// ErrorsSpec is the per-pod error policy. A failing record is executed
// Retries more times from a fresh context before OnFailure applies.
type ErrorsSpec struct {
	Retries   int       `json:"retries,omitempty" mapstructure:"retries"`
	OnFailure OnFailure `json:"on-failure,omitempty" mapstructure:"on-failure"`
}

// ResourceConfiguration declares an ai service available to the pod's steps.
type ResourceConfiguration struct {
	Type          string         `json:"type" mapstructure:"type"`
	Configuration map[string]any `json:"configuration,omitempty" mapstructure:"configuration"`
}

// PodConfiguration describes one agent pod. It is not modified after Run
// receives it.
type PodConfiguration struct {
	AgentID       string                           `json:"agent-id" mapstructure:"agent-id"`
	ApplicationID string                           `json:"application-id" mapstructure:"application-id"`
	Cluster       topics.StreamingCluster          `json:"streaming-cluster" mapstructure:"streaming-cluster"`
	Input         map[string]any                   `json:"input" mapstructure:"input"`
	Output        map[string]any                   `json:"output,omitempty" mapstructure:"output"`
	Steps         []step.Definition                `json:"steps,omitempty" mapstructure:"steps"`
	Resources     map[string]ResourceConfiguration `json:"resources,omitempty" mapstructure:"resources"`
	Errors        ErrorsSpec                       `json:"errors,omitempty" mapstructure:"errors"`
	// MaxLoops bounds the number of reads; zero runs until stopped.
	MaxLoops int `json:"max-loops,omitempty" mapstructure:"max-loops"`
}

func (p *PodConfiguration) Validate() error {
	var err error
	if p.AgentID == "" {
		err = errors.Join(err, errors.New("agent-id is required"))
	}
	if p.Cluster.Type == "" {
		err = errors.Join(err, errors.New("streaming-cluster type is required"))
	}
	if _, terr := topics.RequireTopic(p.Input); terr != nil {
		err = errors.Join(err, fmt.Errorf("input: %w", terr))
	}
	if p.Output != nil {
		if _, terr := topics.RequireTopic(p.Output); terr != nil {
			err = errors.Join(err, fmt.Errorf("output: %w", terr))
		}
	}
	switch p.Errors.OnFailure {
	case "", FailPod, SkipRecord, DeadLetter:
	default:
		err = errors.Join(err, fmt.Errorf("unknown on-failure %q", p.Errors.OnFailure))
	}
	if p.Errors.Retries < 0 {
		err = errors.Join(err, errors.New("retries must not be negative"))
	}
	if p.MaxLoops < 0 {
		err = errors.Join(err, errors.New("max-loops must not be negative"))
	}
	if err != nil {
		return fmt.Errorf("pod %q: %w", p.AgentID, err)
	}
	return nil
}

func (p *PodConfiguration) onFailure() OnFailure {
	if p.Errors.OnFailure == "" {
		return FailPod
	}
	return p.Errors.OnFailure
}

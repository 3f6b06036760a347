package runner

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPodConfiguration_Validate(t *testing.T) {
	valid := PodConfiguration{AgentID: "a", Cluster: cluster, Input: map[string]any{"topic": "in"}}
	assert.NoError(t, valid.Validate())
	assert.Equal(t, FailPod, valid.onFailure())

	bad := PodConfiguration{Errors: ErrorsSpec{Retries: -1}, MaxLoops: -1, Output: map[string]any{}}
	err := bad.Validate()
	for _, msg := range []string{"agent-id is required", "streaming-cluster type is required", "input:", "output:", "retries", "max-loops"} {
		assert.Contains(t, err.Error(), msg)
	}
}

func TestErrorClass(t *testing.T) {
	inner := &PodError{AgentID: "x", Err: errors.New("root")}
	assert.Equal(t, "*errors.errorString", errorClass(fmt.Errorf("wrapped: %w", inner)))

	joined := fmt.Errorf("writing dead-letter record: %w", errors.Join(&PodError{AgentID: "x", Err: context.DeadlineExceeded}, errors.New("other")))
	assert.Equal(t, "context.deadlineExceededError", errorClass(joined))

	assert.Equal(t, "*errors.errorString", errorClass(errors.New("plain")))
}

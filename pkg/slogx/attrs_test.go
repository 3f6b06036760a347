package slogx

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError(t *testing.T) {
	attr := Error(errors.New("boom"))
	assert.Equal(t, "error", attr.Key)
	assert.Equal(t, "boom", attr.Value.String())

	assert.Equal(t, "", Error(nil).Value.String())
}

func TestComponentAttrs(t *testing.T) {
	assert.Equal(t, KeyLoggerName, LoggerName("brook.runner").Key)
	assert.Equal(t, "pod-1", AgentID("pod-1").Value.String())
	assert.Equal(t, KeyBackend, Backend("kafka").Key)
	assert.Equal(t, KeyRunID, RunID("r").Key)
	assert.Equal(t, "in", Topic("in").Value.String())
}

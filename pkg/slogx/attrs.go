// Package slogx holds the slog attribute helpers shared by every brook
// component so log keys stay consistent across backends and pods.
package slogx

import (
	"fmt"
	"log/slog"
)

const (
	KeyLoggerName = "logger"
	KeyAgentID    = "agent_id"
	KeyBackend    = "backend"
	KeyRunID      = "run_id"
	KeyTopic      = "topic"
)

// Error returns an "error" attribute with the message of err.
// A nil error yields an empty message instead of a panic.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}

// ByteString logs a byte slice as text.
func ByteString(key string, value []byte) slog.Attr {
	return slog.String(key, string(value))
}

// Stringer logs the String() form of value.
func Stringer(key string, value fmt.Stringer) slog.Attr {
	return slog.String(key, value.String())
}

// LoggerName names the component that produced the record, e.g. "brook.runner".
func LoggerName(name string) slog.Attr {
	return slog.String(KeyLoggerName, name)
}

// AgentID identifies the pod an entry belongs to.
func AgentID(id string) slog.Attr {
	return slog.String(KeyAgentID, id)
}

// Backend identifies the topic connections backend, e.g. "kafka".
func Backend(name string) slog.Attr {
	return slog.String(KeyBackend, name)
}

// RunID identifies one orchestrator run.
func RunID(id string) slog.Attr {
	return slog.String(KeyRunID, id)
}

func Topic(name string) slog.Attr {
	return slog.String(KeyTopic, name)
}

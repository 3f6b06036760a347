// Package step implements the per-record transform protocol.
//
// A Step receives a record.Context and returns a future that completes once
// the step's output is attached to that context. Streaming steps may emit
// partial results before that point: each partial result is written to a
// copy of the context, stamped with the stream-id, stream-index and
// stream-last-message properties, and handed to a StreamingAnswersConsumer.
// The original context is only written when the final result arrives, and
// the final result always wins over the concatenated partials.
//
// Steps are built from a Definition through a registry keyed by step type:
//
//	chain, err := step.BuildChain([]step.Definition{
//		{Type: "compute", Configuration: map[string]any{...}},
//		{Type: "ai-chat-completions", When: `{{ eq .properties.lang "en" }}`, Configuration: map[string]any{...}},
//	}, resources)
//
// Templates use text/template syntax against the record's template view,
// which exposes key, value, properties, topic and eventTime. A template
// referencing a missing entry fails to render.
package step

package provider

import "strings"

// ChunkBatcher groups streamed text deltas into fewer deliveries. The first
// delivery holds one delta so the first words show up quickly; each later
// delivery holds twice as many deltas as the previous one, capped at the
// configured minimum chunks per message.
//
// A completed batch is held back until the next one completes or the stream
// finishes, which is how the final delivery learns that it is the last one.
// A stream without deltas delivers nothing.
type ChunkBatcher struct {
	answerID string
	sink     ChunkSink
	max      int

	target  int
	pending int
	buf     strings.Builder

	held  *ChatChoice
	index int
}

func NewChunkBatcher(answerID string, minChunksPerMessage int, sink ChunkSink) *ChunkBatcher {
	if minChunksPerMessage < 1 {
		minChunksPerMessage = 1
	}
	return &ChunkBatcher{
		answerID: answerID,
		sink:     sink,
		max:      minChunksPerMessage,
		target:   1,
	}
}

func (b *ChunkBatcher) AnswerID() string {
	return b.answerID
}

// Add appends one delta. Empty deltas are ignored.
func (b *ChunkBatcher) Add(delta string) {
	if delta == "" {
		return
	}
	b.buf.WriteString(delta)
	b.pending++
	if b.pending < b.target {
		return
	}

	b.release(false)
	b.held = &ChatChoice{Content: b.buf.String()}
	b.buf.Reset()
	b.pending = 0
	b.target = min(b.target*2, b.max)
}

// Finish delivers what is left, marking the final delivery as last.
func (b *ChunkBatcher) Finish(finishReason string) {
	if b.pending > 0 {
		b.release(false)
		b.held = &ChatChoice{Content: b.buf.String()}
		b.buf.Reset()
		b.pending = 0
	}
	if b.held != nil {
		b.held.FinishReason = finishReason
		b.release(true)
	}
}

func (b *ChunkBatcher) release(last bool) {
	if b.held == nil {
		return
	}
	choice := *b.held
	choice.Index = 0
	b.held = nil
	if b.sink != nil {
		b.sink(b.answerID, b.index, choice, last)
	}
	b.index++
}

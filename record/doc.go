// Package record defines the per-record context that flows through a pod's
// transform steps.
//
// A Context carries the record key and value, optional schemas for both,
// string properties and the source topic. Steps write their results into a
// Context with SetResultField, addressing one of:
//
//	value                  the whole value
//	key                    the whole key
//	value.<path>           a field inside a structured value
//	key.<path>             a field inside a structured key
//	properties.<name>      a record property
//
// Structured values are either decoded maps or JSON text. JSON text is
// updated in place with sjson so the value keeps its wire form.
//
// Streaming steps never mutate a Context that has already been handed
// downstream. They call Copy for every partial result and stamp the copy with
// the stream properties (stream-id, stream-index, stream-last-message).
package record

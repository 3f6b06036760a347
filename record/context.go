package record

import (
	"bytes"
	"maps"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/tidwall/gjson"
)

const (
	PropStreamID          = "stream-id"
	PropStreamIndex       = "stream-index"
	PropStreamLastMessage = "stream-last-message"
)

type Context struct {
	Key         any
	Value       any
	KeySchema   *Schema
	ValueSchema *Schema
	Properties  map[string]string
	Topic       string
	EventTime   time.Time
}

// New creates a context for key and value with an empty property set.
func New(key, value any) *Context {
	return &Context{
		Key:        key,
		Value:      value,
		Properties: make(map[string]string),
		EventTime:  time.Now().UTC(),
	}
}

// Copy returns a context whose key, value and properties can be changed
// without affecting c. Schemas are immutable and shared.
func (c *Context) Copy() *Context {
	cp := *c
	cp.Key = cloneValue(c.Key)
	cp.Value = cloneValue(c.Value)
	cp.Properties = maps.Clone(c.Properties)
	if cp.Properties == nil {
		cp.Properties = make(map[string]string)
	}
	return &cp
}

func (c *Context) Property(name string) (string, bool) {
	v, ok := c.Properties[name]
	return v, ok
}

func (c *Context) SetProperty(name, value string) {
	if c.Properties == nil {
		c.Properties = make(map[string]string)
	}
	c.Properties[name] = value
}

// MarkStream stamps c as the index-th partial result of the answer id.
func (c *Context) MarkStream(id string, index int, last bool) {
	c.SetProperty(PropStreamID, id)
	c.SetProperty(PropStreamIndex, strconv.Itoa(index))
	c.SetProperty(PropStreamLastMessage, strconv.FormatBool(last))
}

func (c *Context) StreamID() string {
	return c.Properties[PropStreamID]
}

// StreamIndex returns -1 when c is not part of a stream.
func (c *Context) StreamIndex() int {
	v, ok := c.Properties[PropStreamIndex]
	if !ok {
		return -1
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return -1
	}
	return n
}

func (c *Context) StreamLast() bool {
	return c.Properties[PropStreamLastMessage] == "true"
}

// TemplateView is the data templates and conditions are evaluated against.
// JSON text keys and values are exposed as decoded structures.
func (c *Context) TemplateView() map[string]any {
	props := make(map[string]any, len(c.Properties))
	for k, v := range c.Properties {
		props[k] = v
	}
	return map[string]any{
		"key":        decodeForView(c.Key),
		"value":      decodeForView(c.Value),
		"properties": props,
		"topic":      c.Topic,
		"eventTime":  c.EventTime,
	}
}

// ValueBytes returns the wire form of the value.
func (c *Context) ValueBytes() ([]byte, error) {
	return Encode(c.Value)
}

func (c *Context) KeyBytes() ([]byte, error) {
	return Encode(c.Key)
}

// Encode turns a key or value into bytes: bytes and strings are passed
// through, everything else is marshalled as JSON.
func Encode(v any) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return t, nil
	case string:
		return []byte(t), nil
	case json.RawMessage:
		return t, nil
	default:
		return json.Marshal(t)
	}
}

func decodeForView(v any) any {
	switch t := v.(type) {
	case string:
		if isJSONDocument([]byte(t)) {
			return gjson.Parse(t).Value()
		}
		return t
	case []byte:
		if isJSONDocument(t) {
			return gjson.ParseBytes(t).Value()
		}
		return string(t)
	case json.RawMessage:
		return gjson.ParseBytes(t).Value()
	default:
		return v
	}
}

func isJSONDocument(b []byte) bool {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || (b[0] != '{' && b[0] != '[') {
		return false
	}
	return gjson.ValidBytes(b)
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		cp := make(map[string]any, len(t))
		for k, e := range t {
			cp[k] = cloneValue(e)
		}
		return cp
	case []any:
		cp := make([]any, len(t))
		for i, e := range t {
			cp[i] = cloneValue(e)
		}
		return cp
	case map[string]string:
		return maps.Clone(t)
	case []byte:
		return bytes.Clone(t)
	case json.RawMessage:
		return json.RawMessage(bytes.Clone(t))
	default:
		return v
	}
}

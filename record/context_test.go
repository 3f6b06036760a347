package record

import (
	"testing"

	"github.com/invopop/jsonschema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestCopy_IsIndependent(t *testing.T) {
	orig := New("k", map[string]any{"question": "why?", "nested": map[string]any{"a": 1}})
	orig.SetProperty("p", "1")

	cp := orig.Copy()
	require.NoError(t, cp.SetResultField("answer", "value.answer", TypeString, nil))
	cp.Value.(map[string]any)["nested"].(map[string]any)["a"] = 2
	cp.SetProperty("p", "2")
	cp.MarkStream("s", 0, false)

	assert.NotContains(t, orig.Value.(map[string]any), "answer")
	assert.Equal(t, 1, orig.Value.(map[string]any)["nested"].(map[string]any)["a"])
	assert.Equal(t, "1", orig.Properties["p"])
	assert.Equal(t, -1, orig.StreamIndex())

	// and the other way around
	require.NoError(t, orig.SetResultField("final", "value.answer", TypeString, nil))
	assert.Equal(t, "answer", cp.Value.(map[string]any)["answer"])
}

func TestCopy_SharesSchemas(t *testing.T) {
	s, err := NewSchema(&jsonschema.Schema{Type: "object"})
	require.NoError(t, err)
	orig := New(nil, []byte(`{"a":1}`))
	orig.ValueSchema = s

	cp := orig.Copy()
	assert.Same(t, s, cp.ValueSchema)
	cp.Value.([]byte)[0] = ' '
	assert.Equal(t, `{"a":1}`, string(orig.Value.([]byte)))
}

func TestMarkStream(t *testing.T) {
	c := New(nil, "v")
	c.MarkStream("answer-1", 3, true)

	assert.Equal(t, "answer-1", c.StreamID())
	assert.Equal(t, 3, c.StreamIndex())
	assert.True(t, c.StreamLast())
	assert.Equal(t, "true", c.Properties[PropStreamLastMessage])
}

func TestSetResultField(t *testing.T) {
	t.Run("json text value", func(t *testing.T) {
		c := New(nil, `{"question":"hi"}`)
		require.NoError(t, c.SetResultField("hello", "value.answer", TypeString, nil))
		assert.Equal(t, "hello", gjson.Get(c.Value.(string), "answer").String())
		assert.Equal(t, "hi", gjson.Get(c.Value.(string), "question").String())
	})

	t.Run("json bytes value", func(t *testing.T) {
		c := New(nil, []byte(`{"question":"hi"}`))
		require.NoError(t, c.SetResultField(3, "value.meta.count", TypeInteger, nil))
		assert.Equal(t, int64(3), gjson.GetBytes(c.Value.([]byte), "meta.count").Int())
	})

	t.Run("nil value becomes a map", func(t *testing.T) {
		c := New(nil, nil)
		require.NoError(t, c.SetResultField("x", "value.a.b", "", nil))
		assert.Equal(t, map[string]any{"a": map[string]any{"b": "x"}}, c.Value)
	})

	t.Run("whole value", func(t *testing.T) {
		c := New(nil, "old")
		require.NoError(t, c.SetResultField("new", "value", "", nil))
		assert.Equal(t, "new", c.Value)
	})

	t.Run("key field", func(t *testing.T) {
		c := New(map[string]any{}, nil)
		require.NoError(t, c.SetResultField("id-1", "key.id", TypeString, nil))
		assert.Equal(t, map[string]any{"id": "id-1"}, c.Key)
	})

	t.Run("property", func(t *testing.T) {
		c := New(nil, nil)
		require.NoError(t, c.SetResultField(true, "properties.done", "", nil))
		require.NoError(t, c.SetResultField("v", "header.properties.other", "", nil))
		assert.Equal(t, "true", c.Properties["done"])
		assert.Equal(t, "v", c.Properties["other"])
	})

	t.Run("plain text cannot hold a field", func(t *testing.T) {
		c := New(nil, "just text")
		err := c.SetResultField("x", "value.a", "", nil)
		assert.ErrorIs(t, err, ErrNotStructured)
	})

	t.Run("unknown part", func(t *testing.T) {
		c := New(nil, nil)
		assert.ErrorIs(t, c.SetResultField("x", "body.a", "", nil), ErrInvalidField)
		assert.ErrorIs(t, c.SetResultField("x", "properties.", "", nil), ErrInvalidField)
	})
}

func TestTemplateView(t *testing.T) {
	c := New("plain", `{"question":"why?","n":[1,2]}`)
	c.SetProperty("lang", "en")
	c.Topic = "in"

	view := c.TemplateView()
	assert.Equal(t, "plain", view["key"])
	assert.Equal(t, "why?", view["value"].(map[string]any)["question"])
	assert.Equal(t, "en", view["properties"].(map[string]any)["lang"])
	assert.Equal(t, "in", view["topic"])
}

func TestEncode(t *testing.T) {
	b, err := Encode(map[string]any{"a": 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(b))

	b, err = Encode("text")
	require.NoError(t, err)
	assert.Equal(t, "text", string(b))

	b, err = Encode(nil)
	require.NoError(t, err)
	assert.Nil(t, b)
}

package record

import (
	"encoding/hex"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/alphadose/haxmap"
	"github.com/goccy/go-json"
	"github.com/invopop/jsonschema"
	"github.com/zeebo/blake3"
)

// Schema is an immutable JSON schema with a content fingerprint.
// Records with structurally identical schemas share a fingerprint.
type Schema struct {
	schema      *jsonschema.Schema
	fingerprint string
}

func NewSchema(s *jsonschema.Schema) (*Schema, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("record: marshal schema: %w", err)
	}
	sum := blake3.Sum256(b)
	return &Schema{schema: s, fingerprint: hex.EncodeToString(sum[:])}, nil
}

// ParseSchema builds a Schema from its JSON document.
func ParseSchema(doc []byte) (*Schema, error) {
	var s jsonschema.Schema
	if err := json.Unmarshal(doc, &s); err != nil {
		return nil, fmt.Errorf("record: parse schema: %w", err)
	}
	return NewSchema(&s)
}

func (s *Schema) Fingerprint() string {
	return s.fingerprint
}

// JSONSchema returns the underlying schema. Callers must not modify it.
func (s *Schema) JSONSchema() *jsonschema.Schema {
	return s.schema
}

// SchemaCache memoizes the schemas derived by SetResultField. It is safe for
// concurrent use and is normally owned by one step.
type SchemaCache struct {
	entries     *haxmap.Map[string, *Schema]
	derivations atomic.Int64
}

func NewSchemaCache() *SchemaCache {
	return &SchemaCache{entries: haxmap.New[string, *Schema]()}
}

// Derive returns src with the property at path set to typ.
func (c *SchemaCache) Derive(src *Schema, path string, typ FieldType) (*Schema, error) {
	if c == nil {
		return deriveSchema(src, path, typ)
	}
	key := src.fingerprint + "|" + path + "|" + string(typ)
	if s, ok := c.entries.Get(key); ok {
		return s, nil
	}
	s, err := deriveSchema(src, path, typ)
	if err != nil {
		return nil, err
	}
	c.derivations.Add(1)
	actual, _ := c.entries.GetOrSet(key, s)
	return actual, nil
}

// Derivations counts how many schemas were computed instead of served
// from the cache.
func (c *SchemaCache) Derivations() int64 {
	return c.derivations.Load()
}

func (c *SchemaCache) Len() int {
	return int(c.entries.Len())
}

func deriveSchema(src *Schema, path string, typ FieldType) (*Schema, error) {
	root := withProperty(src.schema, strings.Split(path, "."), typ)
	return NewSchema(root)
}

func withProperty(src *jsonschema.Schema, segments []string, typ FieldType) *jsonschema.Schema {
	var cp jsonschema.Schema
	if src != nil {
		cp = *src
	}
	cp.Type = string(TypeObject)

	props := jsonschema.NewProperties()
	if src != nil && src.Properties != nil {
		for p := src.Properties.Oldest(); p != nil; p = p.Next() {
			props.Set(p.Key, p.Value)
		}
	}

	name := segments[0]
	if len(segments) == 1 {
		props.Set(name, &jsonschema.Schema{Type: string(typ)})
	} else {
		var child *jsonschema.Schema
		if existing, ok := props.Get(name); ok {
			child = existing
		}
		props.Set(name, withProperty(child, segments[1:], typ))
	}
	cp.Properties = props
	return &cp
}

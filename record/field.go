package record

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/tidwall/sjson"
)

var (
	ErrInvalidField  = errors.New("record: invalid field")
	ErrNotStructured = errors.New("record: value is not structured")
)

// FieldType is the declared type of a value written into a field.
// An empty FieldType is inferred from the Go value.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeInteger FieldType = "integer"
	TypeNumber  FieldType = "number"
	TypeBoolean FieldType = "boolean"
	TypeObject  FieldType = "object"
	TypeArray   FieldType = "array"
)

// ParseFieldType accepts the type names used in step configuration.
func ParseFieldType(s string) (FieldType, error) {
	switch strings.ToLower(s) {
	case "":
		return "", nil
	case "string":
		return TypeString, nil
	case "int", "int32", "int64", "integer", "long":
		return TypeInteger, nil
	case "float", "float32", "float64", "double", "number":
		return TypeNumber, nil
	case "bool", "boolean":
		return TypeBoolean, nil
	case "object", "map":
		return TypeObject, nil
	case "array", "list":
		return TypeArray, nil
	default:
		return "", fmt.Errorf("%w: unknown type %q", ErrInvalidField, s)
	}
}

func inferType(v any) FieldType {
	switch v.(type) {
	case string, []byte:
		return TypeString
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return TypeInteger
	case float32, float64:
		return TypeNumber
	case bool:
		return TypeBoolean
	case map[string]any:
		return TypeObject
	case []any:
		return TypeArray
	default:
		return TypeString
	}
}

// SetResultField writes value into field of c. When the target part has a
// schema, the schema is replaced by one describing the new field; caches
// may be nil, in which case the schema is derived every time.
func (c *Context) SetResultField(value any, field string, typ FieldType, caches *SchemaCache) error {
	if typ == "" {
		typ = inferType(value)
	}
	part, path, err := splitField(field)
	if err != nil {
		return err
	}

	switch part {
	case "properties":
		if path == "" {
			return fmt.Errorf("%w: %q", ErrInvalidField, field)
		}
		c.SetProperty(path, stringify(value))
		return nil
	case "key":
		if path == "" {
			c.Key = value
			c.KeySchema = nil
			return nil
		}
		updated, err := setPath(c.Key, path, value)
		if err != nil {
			return fmt.Errorf("set %s: %w", field, err)
		}
		c.Key = updated
		if c.KeySchema != nil {
			if c.KeySchema, err = caches.Derive(c.KeySchema, path, typ); err != nil {
				return err
			}
		}
		return nil
	default:
		if path == "" {
			c.Value = value
			c.ValueSchema = nil
			return nil
		}
		updated, err := setPath(c.Value, path, value)
		if err != nil {
			return fmt.Errorf("set %s: %w", field, err)
		}
		c.Value = updated
		if c.ValueSchema != nil {
			if c.ValueSchema, err = caches.Derive(c.ValueSchema, path, typ); err != nil {
				return err
			}
		}
		return nil
	}
}

// splitField returns the record part ("key", "value" or "properties") and
// the path inside it.
func splitField(field string) (string, string, error) {
	field = strings.TrimSpace(field)
	switch {
	case field == "value" || field == "key":
		return field, "", nil
	case strings.HasPrefix(field, "value."):
		return "value", strings.TrimPrefix(field, "value."), nil
	case strings.HasPrefix(field, "key."):
		return "key", strings.TrimPrefix(field, "key."), nil
	case strings.HasPrefix(field, "properties."):
		return "properties", strings.TrimPrefix(field, "properties."), nil
	case strings.HasPrefix(field, "header.properties."):
		return "properties", strings.TrimPrefix(field, "header.properties."), nil
	default:
		return "", "", fmt.Errorf("%w: %q", ErrInvalidField, field)
	}
}

func setPath(target any, path string, value any) (any, error) {
	switch t := target.(type) {
	case nil:
		m := make(map[string]any)
		setMapPath(m, strings.Split(path, "."), value)
		return m, nil
	case map[string]any:
		setMapPath(t, strings.Split(path, "."), value)
		return t, nil
	case string:
		if !isJSONDocument([]byte(t)) {
			return nil, ErrNotStructured
		}
		return sjson.Set(t, path, value)
	case []byte:
		if !isJSONDocument(t) {
			return nil, ErrNotStructured
		}
		return sjson.SetBytes(t, path, value)
	case json.RawMessage:
		b, err := sjson.SetBytes(t, path, value)
		return json.RawMessage(b), err
	default:
		return nil, fmt.Errorf("%w: %T", ErrNotStructured, target)
	}
}

func setMapPath(m map[string]any, segments []string, value any) {
	for _, seg := range segments[:len(segments)-1] {
		next, ok := m[seg].(map[string]any)
		if !ok {
			next = make(map[string]any)
			m[seg] = next
		}
		m = next
	}
	m[segments[len(segments)-1]] = value
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case bool:
		return strconv.FormatBool(t)
	case fmt.Stringer:
		return t.String()
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return fmt.Sprint(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

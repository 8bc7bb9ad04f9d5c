package aspect

import (
	"database/sql/driver"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"
)

// FormatValue renders a property value for the audit ledger. nil (including
// typed nil pointers and invalid driver.Valuers) yields nil.
func FormatValue(v any) *string {
	if v == nil {
		return nil
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		if _, ok := rv.Interface().(driver.Valuer); ok {
			break
		}
		rv = rv.Elem()
	}
	v = rv.Interface()

	if valuer, ok := v.(driver.Valuer); ok {
		dv, err := valuer.Value()
		if err != nil || dv == nil {
			return nil
		}
		v = dv
	}

	var s string
	switch t := v.(type) {
	case string:
		s = t
	case json.RawMessage:
		s = string(t)
	case []byte:
		s = base64.StdEncoding.EncodeToString(t)
	case time.Time:
		s = t.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		s = t.String()
	default:
		switch reflect.ValueOf(v).Kind() {
		case reflect.Bool, reflect.String,
			reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
			reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
			reflect.Float32, reflect.Float64:
			s = fmt.Sprint(v)
		default:
			b, err := json.Marshal(v)
			if err != nil {
				s = fmt.Sprint(v)
			} else {
				s = string(b)
			}
		}
	}
	return &s
}

// FormatKeys joins formatted key values; composite keys are comma separated.
func FormatKeys(keys []any) string {
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		if s := FormatValue(k); s != nil {
			parts = append(parts, *s)
		} else {
			parts = append(parts, "")
		}
	}
	return strings.Join(parts, ",")
}

func sameValue(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`null`)
	}
	return b
}

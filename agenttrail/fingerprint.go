package agenttrail

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
)

// Fingerprint computes the deterministic 64-hex idempotency key for a call:
// SHA-256 over a canonical, type-tagged JSON document built from
// (step_name, phase, positional_args, named_args).
//
// encoding/json alone would collide the int 1 and the string "1" once both
// are boxed in an `any`-typed field, so every leaf is wrapped with a type
// tag before marshaling.
func Fingerprint(stepName string, phase Phase, args []any, kwargs map[string]any) string {
	payload := map[string]any{
		"step":   stepName,
		"phase":  string(phase),
		"args":   tagValue(args),
		"kwargs": tagValue(kwargs),
	}
	// json.Marshal sorts map keys alphabetically by default, which gives us
	// canonical key ordering for free at every level of payload and of the
	// tagged maps tagValue produces below.
	canon, err := json.Marshal(payload)
	if err != nil {
		// Fingerprint must be pure and total: an unmarshalable payload
		// still needs a stable fingerprint, so fold the marshal failure
		// itself into the hashed bytes.
		canon = []byte(fmt.Sprintf(`{"__marshal_error__":%q}`, err.Error()))
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:])
}

// tagged wraps a value as {"__type__": ..., "value": ...}, expressed as a
// map so encoding/json sorts its two keys the same way on every run.
func tagged(typeName string, value any) map[string]any {
	return map[string]any{"__type__": typeName, "value": value}
}

// tagValue recursively converts v into the canonical tagged form: every
// leaf carries its type tag, every map's keys are sorted, sequences
// preserve order, and anything encoding/json cannot natively represent
// degrades to a string-of-type-plus-repr fallback rather than failing.
func tagValue(v any) any {
	if v == nil {
		return tagged("NoneType", nil)
	}

	switch val := v.(type) {
	case bool:
		return tagged("bool", val)
	case string:
		return tagged("str", val)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return tagged("int", val)
	case float32, float64:
		return tagged("float", val)
	case json.RawMessage:
		var decoded any
		if err := json.Unmarshal(val, &decoded); err == nil {
			return tagValue(decoded)
		}
		return tagged("json.RawMessage", fmt.Sprintf("%v", val))
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		n := rv.Len()
		items := make([]any, n)
		for i := 0; i < n; i++ {
			items[i] = tagValue(rv.Index(i).Interface())
		}
		return tagged("list", items)
	case reflect.Map:
		keys := rv.MapKeys()
		strKeys := make([]string, len(keys))
		byKey := make(map[string]reflect.Value, len(keys))
		for i, k := range keys {
			ks := fmt.Sprintf("%v", k.Interface())
			strKeys[i] = ks
			byKey[ks] = k
		}
		sort.Strings(strKeys)
		tag := make(map[string]any, len(strKeys))
		for _, ks := range strKeys {
			tag[ks] = tagValue(rv.MapIndex(byKey[ks]).Interface())
		}
		return tagged("dict", tag)
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return tagged("NoneType", nil)
		}
		return tagValue(rv.Elem().Interface())
	case reflect.Struct:
		// Marshal structs through encoding/json so field tags and nested
		// structure are preserved, then tag the decoded map like any other
		// dynamic value.
		if raw, err := json.Marshal(v); err == nil {
			var decoded any
			if err := json.Unmarshal(raw, &decoded); err == nil {
				return tagValue(decoded)
			}
		}
		return tagged(rv.Type().String(), fmt.Sprintf("%+v", v))
	default:
		// Unknown/non-JSON-safe value: degrade to a type-name-plus-repr
		// fallback rather than failing, so identical fallbacks fingerprint
		// identically.
		return tagged(rv.Type().String(), fmt.Sprintf("%v", v))
	}
}

package codec

// Coercion helpers for decoded payloads. msgpack integers arrive as
// int64 or uint64 depending on the wire format, and occasionally as
// float64; callers should not care.

// AsInt64 coerces a decoded msgpack value to int64. Returns 0 for
// anything non-numeric.
func AsInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case uint64:
		return int64(n)
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case uint32:
		return int64(n)
	case int16:
		return int64(n)
	case uint16:
		return int64(n)
	case int8:
		return int64(n)
	case uint8:
		return int64(n)
	case uint:
		return int64(n)
	case float64:
		return int64(n)
	case float32:
		return int64(n)
	}
	return 0
}

// AsInt coerces a decoded msgpack value to int.
func AsInt(v interface{}) int {
	return int(AsInt64(v))
}

// AsString coerces a decoded msgpack value to string; non-strings
// become "".
func AsString(v interface{}) string {
	s, _ := v.(string)
	return s
}

// AsMap returns v as a map, or an empty map for anything else.
func AsMap(v interface{}) map[string]interface{} {
	if m, ok := v.(map[string]interface{}); ok {
		return m
	}
	return map[string]interface{}{}
}

// AsSlice returns v as a slice, or nil for anything else.
func AsSlice(v interface{}) []interface{} {
	s, _ := v.([]interface{})
	return s
}

package cast

import "fmt"

// Helpers for walking decoded bencode trees. The decoder in use
// (jackpal/bencode-go) yields map[string]any dictionaries, []any lists,
// string byte strings, and int64 integers; these helpers fail loudly when a
// tree node has the wrong shape.

func typeError(want string, got any) error {
	return fmt.Errorf("cast: want %s, got %T", want, got)
}

func ToString(v any) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	// Tolerate decoders that hand byte strings back as []byte.
	if b, ok := v.([]byte); ok {
		return string(b), nil
	}

	return "", typeError("string", v)
}

func ToInt(v any) (int64, error) {
	if n, ok := v.(int64); ok {
		return n, nil
	}

	return 0, typeError("integer", v)
}

func ToDict(v any) (map[string]any, error) {
	d, ok := v.(map[string]any)
	if !ok {
		return nil, typeError("dict", v)
	}

	return d, nil
}

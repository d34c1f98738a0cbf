package api

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Responses come bare or wrapped depending on the deployment:
// [...], {"data": [...]}, {"messages": [...]}, {"data": {"messages": [...]}}.

func decode(body []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return v, nil
}

func decodeList(body []byte, key string) ([]map[string]any, error) {
	v, err := decode(body)
	if err != nil {
		return nil, err
	}
	for depth := 0; depth < 3; depth++ {
		switch t := v.(type) {
		case []any:
			out := make([]map[string]any, 0, len(t))
			for _, item := range t {
				if obj, ok := item.(map[string]any); ok {
					out = append(out, obj)
				}
			}
			return out, nil
		case map[string]any:
			if inner, ok := t[key]; ok {
				v = inner
			} else if inner, ok := t["data"]; ok {
				v = inner
			} else {
				return nil, fmt.Errorf("response has no %q list", key)
			}
		default:
			return nil, fmt.Errorf("unexpected response shape %T", v)
		}
	}
	return nil, fmt.Errorf("response has no %q list", key)
}

func decodeObject(body []byte, key string) (map[string]any, error) {
	v, err := decode(body)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("unexpected response shape %T", v)
	}
	for _, k := range []string{key, "data"} {
		if inner, ok := obj[k].(map[string]any); ok {
			return inner, nil
		}
	}
	return obj, nil
}

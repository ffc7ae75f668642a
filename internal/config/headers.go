package config

import (
	"fmt"
	"net/http"
	"sort"

	"gopkg.in/yaml.v3"
)

// Headers is a header map whose values are either a string or a list of strings.
type Headers map[string][]string

// HTTP returns the map as canonicalised http.Header.
func (h Headers) HTTP() http.Header {
	if len(h) == 0 {
		return nil
	}
	out := make(http.Header, len(h))
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range h[k] {
			out.Add(k, v)
		}
	}
	return out
}

// UnmarshalTOML implements toml.Unmarshaler.
func (h *Headers) UnmarshalTOML(v any) error {
	m, ok := v.(map[string]any)
	if !ok {
		return fmt.Errorf("headers: want table, got %T", v)
	}
	return h.fromMap(m)
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (h *Headers) UnmarshalYAML(node *yaml.Node) error {
	var m map[string]any
	if err := node.Decode(&m); err != nil {
		return fmt.Errorf("headers: %w", err)
	}
	return h.fromMap(m)
}

func (h *Headers) fromMap(m map[string]any) error {
	out := make(Headers, len(m))
	for k, raw := range m {
		switch v := raw.(type) {
		case string:
			out[k] = []string{v}
		case []any:
			vals := make([]string, 0, len(v))
			for i, e := range v {
				s, ok := e.(string)
				if !ok {
					return fmt.Errorf("headers.%s[%d]: want string, got %T", k, i, e)
				}
				vals = append(vals, s)
			}
			out[k] = vals
		default:
			return fmt.Errorf("headers.%s: want string or list of strings, got %T", k, raw)
		}
	}
	*h = out
	return nil
}

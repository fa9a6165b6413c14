package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// Format is the on-disk config syntax, picked by file extension.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

func formatOf(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// toStrictJSON returns the config as JSON so one strict decoder
// (DisallowUnknownFields) serves both formats. YAML must hold exactly one
// document; an empty YAML file decodes as {}.
func toStrictJSON(path string, data []byte) ([]byte, Format, error) {
	f := formatOf(path)
	if f == FormatJSON {
		return data, f, nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	var v any
	if err := dec.Decode(&v); err != nil {
		if errors.Is(err, io.EOF) {
			return []byte("{}"), f, nil
		}
		return nil, f, fmt.Errorf("yaml: %w", err)
	}
	var extra any
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return nil, f, errors.New("yaml: config must be a single document")
	}
	if v == nil {
		return []byte("{}"), f, nil
	}

	v, err := stringKeys(v, "")
	if err != nil {
		return nil, f, err
	}
	j, err := json.Marshal(v)
	if err != nil {
		return nil, f, fmt.Errorf("yaml->json: %w", err)
	}
	return j, f, nil
}

// stringKeys converts nested YAML maps to map[string]any. Every config key
// is a name, so a non-string key (owner ids written as keys, say) is an
// error rather than something to stringify.
func stringKeys(in any, at string) (any, error) {
	switch x := in.(type) {
	case map[string]any:
		for k, v := range x {
			nv, err := stringKeys(v, join(at, k))
			if err != nil {
				return nil, err
			}
			x[k] = nv
		}
		return x, nil
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			ks, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("yaml: %s: key %v is not a string", orRoot(at), k)
			}
			nv, err := stringKeys(v, join(at, ks))
			if err != nil {
				return nil, err
			}
			m[ks] = nv
		}
		return m, nil
	case []any:
		for i := range x {
			nv, err := stringKeys(x[i], fmt.Sprintf("%s[%d]", orRoot(at), i))
			if err != nil {
				return nil, err
			}
			x[i] = nv
		}
		return x, nil
	default:
		return in, nil
	}
}

func join(at, k string) string {
	if at == "" {
		return k
	}
	return at + "." + k
}

func orRoot(at string) string {
	if at == "" {
		return "<root>"
	}
	return at
}

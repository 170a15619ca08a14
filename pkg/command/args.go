package command

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// toolSchema is the slice of a tool's JSON input schema the argument parser
// cares about.
type toolSchema struct {
	Properties map[string]propertySchema `json:"properties"`
	Required   []string                  `json:"required"`
}

type propertySchema struct {
	Type string `json:"type"`
}

// parseToolSchema decodes a tool's input schema. A missing or malformed
// schema yields an empty one; arguments then pass through as strings.
func parseToolSchema(raw json.RawMessage) toolSchema {
	var s toolSchema
	if len(raw) > 0 {
		json.Unmarshal(raw, &s)
	}
	return s
}

// coerceArgs converts string key=value pairs into typed values driven by the
// tool's declared parameter types. Malformed values yield a ConfigError, not
// a crash.
func coerceArgs(schema toolSchema, kv map[string]string) (map[string]any, error) {
	if len(kv) == 0 {
		return nil, nil
	}
	args := make(map[string]any, len(kv))
	for key, value := range kv {
		prop, declared := schema.Properties[key]
		if !declared {
			args[key] = value
			continue
		}
		typed, err := coerceValue(prop.Type, value)
		if err != nil {
			return nil, &ConfigError{
				Entity:  key,
				Message: fmt.Sprintf("expected %s, got %q", prop.Type, value),
			}
		}
		args[key] = typed
	}
	return args, nil
}

func coerceValue(typ, value string) (any, error) {
	switch typ {
	case "integer":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, err
		}
		return n, nil
	case "number":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, err
		}
		return f, nil
	case "boolean":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return nil, err
		}
		return b, nil
	case "array":
		// JSON first, comma-separated fallback.
		var arr []any
		if err := json.Unmarshal([]byte(value), &arr); err == nil {
			return arr, nil
		}
		parts := strings.Split(value, ",")
		out := make([]any, len(parts))
		for i, p := range parts {
			out[i] = strings.TrimSpace(p)
		}
		return out, nil
	case "object":
		var obj map[string]any
		if err := json.Unmarshal([]byte(value), &obj); err != nil {
			return nil, err
		}
		return obj, nil
	default:
		return value, nil
	}
}

// parseFlagArgs splits --key=value / --key value tokens into a map. A lone
// "-" requests arguments from stdin.
func parseFlagArgs(tokens []string) (kv map[string]string, useStdin bool, err error) {
	kv = make(map[string]string)
	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		if tok == "-" {
			useStdin = true
			continue
		}
		if !strings.HasPrefix(tok, "--") {
			return nil, false, &ConfigError{Entity: tok, Message: "expected --key=value argument"}
		}
		body := strings.TrimPrefix(tok, "--")
		if key, value, found := strings.Cut(body, "="); found {
			kv[key] = value
			continue
		}
		if i+1 < len(tokens) && !strings.HasPrefix(tokens[i+1], "--") {
			kv[body] = tokens[i+1]
			i++
			continue
		}
		// Bare flag, treated as boolean true.
		kv[body] = "true"
	}
	return kv, useStdin, nil
}

// readStdinArgs parses a whole JSON or YAML document from r into a tool
// argument map.
func readStdinArgs(r io.Reader) (map[string]any, error) {
	if r == nil {
		return nil, &ConfigError{Message: "no stdin available for argument input"}
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading stdin: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, &ConfigError{Message: "empty argument document on stdin"}
	}

	var args map[string]any
	if err := json.Unmarshal(data, &args); err == nil {
		return args, nil
	}
	if err := yaml.Unmarshal(data, &args); err == nil {
		return args, nil
	}
	return nil, &ConfigError{Message: "stdin is neither a JSON nor a YAML object"}
}

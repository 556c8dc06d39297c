// Package codec encodes and decodes resource documents in the configured
// on-disk format. The attribute tree round-trips through any of the three
// formats without loss of structure.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/corral-sh/corral/pkg/resource"
)

// FileFormat selects the serialization format for repo documents.
type FileFormat string

const (
	FormatJSON FileFormat = "json"
	FormatYAML FileFormat = "yaml"
	FormatTOML FileFormat = "toml"
)

// ParseFormat validates a configured format name.
func ParseFormat(s string) (FileFormat, error) {
	switch strings.ToLower(s) {
	case "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	case "toml":
		return FormatTOML, nil
	}
	return "", fmt.Errorf("unknown file format %q", s)
}

// Extension returns the file extension for f, without the dot.
func (f FileFormat) Extension() string {
	if f == FormatYAML {
		return "yml"
	}
	return string(f)
}

// FormatFromPath infers the format from a file extension. Unknown
// extensions fall back to JSON, matching the repo scanner's tolerance for
// hand-renamed files.
func FormatFromPath(path string) FileFormat {
	switch strings.TrimPrefix(filepath.Ext(path), ".") {
	case "yml", "yaml":
		return FormatYAML
	case "toml":
		return FormatTOML
	default:
		return FormatJSON
	}
}

// Encode serializes a document in the given format.
func Encode(doc resource.Document, format FileFormat) ([]byte, error) {
	switch format {
	case FormatJSON:
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetIndent("", "  ")
		if err := enc.Encode(doc); err != nil {
			return nil, fmt.Errorf("encode json: %w", err)
		}
		return buf.Bytes(), nil
	case FormatYAML:
		out, err := yaml.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("encode yaml: %w", err)
		}
		return out, nil
	case FormatTOML:
		out, err := toml.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("encode toml: %w", err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown file format %q", format)
}

// Decode parses a document in the given format. The attribute tree is
// canonicalized so the same value decodes identically from any format.
func Decode(data []byte, format FileFormat) (resource.Document, error) {
	var doc resource.Document
	var err error
	switch format {
	case FormatJSON:
		err = json.Unmarshal(data, &doc)
	case FormatYAML:
		err = yaml.Unmarshal(data, &doc)
	case FormatTOML:
		err = toml.Unmarshal(data, &doc)
	default:
		return doc, fmt.Errorf("unknown file format %q", format)
	}
	if err != nil {
		return doc, fmt.Errorf("decode %s: %w", format, err)
	}
	doc.Attributes = canonicalizeMap(doc.Attributes)
	return doc, nil
}

// Canonicalize normalizes an attribute tree decoded outside this package
// (for example an API response) into the same canonical shape Decode
// produces, so trees from different origins compare equal.
func Canonicalize(m map[string]any) map[string]any {
	return canonicalizeMap(m)
}

// canonicalize normalizes decoder-specific container types so trees from
// different formats compare equal.
func canonicalize(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		return canonicalizeMap(tv)
	case map[any]any:
		out := make(map[string]any, len(tv))
		for k, vv := range tv {
			out[fmt.Sprintf("%v", k)] = canonicalize(vv)
		}
		return out
	case []any:
		out := make([]any, len(tv))
		for i, vv := range tv {
			out[i] = canonicalize(vv)
		}
		return out
	case int:
		return int64(tv)
	case float64:
		// Whole numbers decode as float64 from JSON but int64 from YAML
		// and TOML. Fold them to int64 so trees compare equal.
		if tv == float64(int64(tv)) {
			return int64(tv)
		}
		return tv
	default:
		return v
	}
}

func canonicalizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = canonicalize(v)
	}
	return out
}

package codec

import (
	"testing"

	"github.com/corral-sh/corral/pkg/resource"
)

func TestDecodeCanonicalizesAcrossFormats(t *testing.T) {
	jsonDoc := []byte(`{
  "kind": "Project",
  "name": "payments",
  "cluster": "local",
  "attributes": {"replicas": 3, "labels": {"team": "payments"}}
}`)
	yamlDoc := []byte(`kind: Project
name: payments
cluster: local
attributes:
  replicas: 3
  labels:
    team: payments
`)
	tomlDoc := []byte(`kind = "Project"
name = "payments"
cluster = "local"

[attributes]
replicas = 3

[attributes.labels]
team = "payments"
`)

	fromJSON, err := Decode(jsonDoc, FormatJSON)
	if err != nil {
		t.Fatalf("decode json: %v", err)
	}
	fromYAML, err := Decode(yamlDoc, FormatYAML)
	if err != nil {
		t.Fatalf("decode yaml: %v", err)
	}
	fromTOML, err := Decode(tomlDoc, FormatTOML)
	if err != nil {
		t.Fatalf("decode toml: %v", err)
	}

	if !resource.Equal(fromJSON.Attributes, fromYAML.Attributes) {
		t.Errorf("json and yaml trees differ: %v vs %v", fromJSON.Attributes, fromYAML.Attributes)
	}
	if !resource.Equal(fromJSON.Attributes, fromTOML.Attributes) {
		t.Errorf("json and toml trees differ: %v vs %v", fromJSON.Attributes, fromTOML.Attributes)
	}
	if fromJSON.Attributes["replicas"] != int64(3) {
		t.Errorf("whole json number should canonicalize to int64, got %T", fromJSON.Attributes["replicas"])
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	doc := resource.Document{
		Kind:        "RoleTemplate",
		Name:        "viewer",
		ClusterName: "local",
		Attributes: map[string]any{
			"rules": []any{
				map[string]any{"verbs": []any{"get", "list"}},
			},
			"locked": false,
		},
	}

	for _, format := range []FileFormat{FormatJSON, FormatYAML, FormatTOML} {
		t.Run(string(format), func(t *testing.T) {
			data, err := Encode(doc, format)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			back, err := Decode(data, format)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if back.Kind != doc.Kind || back.Name != doc.Name || back.ClusterName != doc.ClusterName {
				t.Errorf("identity changed: %+v", back)
			}
			if !resource.Equal(back.Attributes, doc.Attributes) {
				t.Errorf("attributes changed: %v vs %v", back.Attributes, doc.Attributes)
			}
		})
	}
}

func TestFormatFromPath(t *testing.T) {
	tests := []struct {
		path string
		want FileFormat
	}{
		{"a/b/p-abc.yml", FormatYAML},
		{"a/b/p-abc.yaml", FormatYAML},
		{"a/b/p-abc.toml", FormatTOML},
		{"a/b/p-abc.json", FormatJSON},
		{"a/b/p-abc.conf", FormatJSON},
		{"a/b/p-abc", FormatJSON},
	}
	for _, tt := range tests {
		if got := FormatFromPath(tt.path); got != tt.want {
			t.Errorf("FormatFromPath(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat("YML"); err != nil || f != FormatYAML {
		t.Errorf("ParseFormat(YML) = %q, %v", f, err)
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("ParseFormat(xml) should fail")
	}
}

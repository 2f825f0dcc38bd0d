package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoader_LoadFromPaths(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b_ports.rego", `# Only approved ports are opened.
# Applies to every security group.
# severity: warning
package straddle.ports

deny contains "port 23 is open" if {
	some node in input.nodes
	23 in node.inputs.ingress_ports
}
`)
	writeFile(t, dir, "nested/a_owner.json", `{
  "name": "owner-tag",
  "description": "Instances carry an owner tag",
  "rego": "package straddle.owner\n\ndeny contains \"missing owner\" if { false }\n",
  "enabled": true
}`)
	writeFile(t, dir, "README.md", "ignored")

	loader := NewLoader(zerolog.Nop())
	policies, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths() error = %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("got %d policies, want 2", len(policies))
	}

	ports, owner := policies[0], policies[1]
	if ports.Name != "b_ports" || ports.Severity != SeverityWarning || !ports.Enabled {
		t.Errorf("unexpected rego policy: %+v", ports)
	}
	if ports.Description != "Only approved ports are opened. Applies to every security group." {
		t.Errorf("Description = %q", ports.Description)
	}
	if owner.Name != "owner-tag" || owner.Severity != SeverityError {
		t.Errorf("unexpected json policy: %+v", owner)
	}
	if owner.Source != filepath.Join(dir, "nested", "a_owner.json") {
		t.Errorf("Source = %q", owner.Source)
	}
}

func TestLoader_Errors(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, dir string) string
	}{
		{
			name: "missing path",
			setup: func(t *testing.T, dir string) string {
				return filepath.Join(dir, "nope")
			},
		},
		{
			name: "unsupported file",
			setup: func(t *testing.T, dir string) string {
				return writeFile(t, dir, "policy.txt", "package x")
			},
		},
		{
			name: "json without name",
			setup: func(t *testing.T, dir string) string {
				return writeFile(t, dir, "p.json", `{"rego": "package x"}`)
			},
		},
		{
			name: "malformed json in directory",
			setup: func(t *testing.T, dir string) string {
				writeFile(t, dir, "good.rego", "package good\n")
				writeFile(t, dir, "bad.json", "{")
				return dir
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := tt.setup(t, t.TempDir())
			loader := NewLoader(zerolog.Nop())
			if _, err := loader.LoadFromPaths(context.Background(), []string{path}); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestLoader_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	loader := NewLoader(zerolog.Nop())
	if _, err := loader.LoadFromPaths(ctx, []string{t.TempDir()}); err == nil {
		t.Error("expected context error")
	}
}

func TestParseHeader(t *testing.T) {
	tests := []struct {
		name         string
		content      string
		wantDesc     string
		wantSeverity Severity
	}{
		{"none", "package x\n", "", ""},
		{"description", "# Checks things.\n\npackage x\n", "Checks things.", ""},
		{"severity only", "# severity: info\npackage x\n", "", SeverityInfo},
		{"stops at code", "package x\n# not a header\n", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desc, sev := parseHeader(tt.content)
			if desc != tt.wantDesc || sev != tt.wantSeverity {
				t.Errorf("parseHeader() = (%q, %q), want (%q, %q)", desc, sev, tt.wantDesc, tt.wantSeverity)
			}
		})
	}
}

package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/require"

	"github.com/danieljhkim/deltaruntime/internal/apperr"
	"github.com/danieljhkim/deltaruntime/internal/overlay"
)

// captureStdout returns what fn wrote to os.Stdout.
func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	old := os.Stdout
	oldColor := color.Output
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w
	color.Output = w

	fn()

	_ = w.Close()
	os.Stdout = old
	color.Output = oldColor
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(r)
	return buf.String()
}

func noColor(t *testing.T) {
	t.Helper()
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })
}

func TestFormatError(t *testing.T) {
	noColor(t)

	tests := []struct {
		name     string
		err      error
		wantHint string
	}{
		{"plain error", fmt.Errorf("disk on fire"), ""},
		{"conflict", apperr.Conflict("build already running for %q", "Vanilla"), "wait for the running build"},
		{"integrity", fmt.Errorf("building: %w", apperr.Integrity("blob %s", "ab12")), "deltaruntime check"},
		{"not found", apperr.NotFound("profile %q", "Ghost"), "profile ls"},
		{"validation", apperr.Validation("empty name"), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := formatError(tt.err)
			lines := strings.Split(got, "\n")
			if lines[0] != "Error: "+tt.err.Error() {
				t.Errorf("first line = %q, want %q", lines[0], "Error: "+tt.err.Error())
			}
			if tt.wantHint == "" {
				if len(lines) != 1 {
					t.Errorf("unexpected hint in %q", got)
				}
				return
			}
			if len(lines) != 2 || !strings.HasPrefix(lines[1], "Hint: ") || !strings.Contains(lines[1], tt.wantHint) {
				t.Errorf("formatError() = %q, want hint containing %q", got, tt.wantHint)
			}
		})
	}
}

func TestOutputJSON(t *testing.T) {
	size := int64(9)
	node := &overlay.Node{Name: "handling.cfg", Path: "data/handling.cfg", Source: overlay.SourceWorkspaceOverride, Size: &size}

	out := captureStdout(t, func() {
		require.NoError(t, outputJSON(node))
	})

	var got overlay.Node
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	if got.Path != node.Path || got.Source != node.Source || got.Size == nil || *got.Size != size {
		t.Errorf("round-tripped node = %+v", got)
	}
	if !strings.HasSuffix(out, "\n") {
		t.Error("outputJSON should end with a newline")
	}
}

func TestPrintCount(t *testing.T) {
	tests := []struct {
		n    int
		want string
	}{
		{0, "0 blobs"},
		{1, "1 blob"},
		{12, "12 blobs"},
	}
	for _, tt := range tests {
		if got := PrintCount(tt.n, "blob", "blobs"); got != tt.want {
			t.Errorf("PrintCount(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}

func TestNodeSize(t *testing.T) {
	size := int64(2048)
	tests := []struct {
		name string
		node *overlay.Node
		want string
	}{
		{"directory", &overlay.Node{IsDirectory: true}, "-"},
		{"file", &overlay.Node{Size: &size}, "2.0 KiB"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := nodeSize(tt.node); got != tt.want {
				t.Errorf("nodeSize() = %q, want %q", got, tt.want)
			}
		})
	}
	if got := formatBytes(-1); got != "-" {
		t.Errorf("formatBytes(-1) = %q, want %q", got, "-")
	}
}

func TestPrintTable_AlignsColumns(t *testing.T) {
	noColor(t)

	out := captureStdout(t, func() {
		PrintTable([]string{"Name", "Source"}, [][]string{
			{"gta_sa.exe", "Base"},
			{"dätä", "Workspace"},
		})
	})

	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("table has %d lines, want 4:\n%s", len(lines), out)
	}
	col := strings.Index(lines[0], "Source")
	for _, line := range lines[2:] {
		runes := []rune(line)
		if col >= len(runes) || runes[col] == ' ' {
			t.Errorf("row %q is not aligned with the header", line)
		}
	}
}

func TestPrintHelpers_WriteToStdout(t *testing.T) {
	noColor(t)

	out := captureStdout(t, func() {
		PrintSuccess("built")
		PrintWarning("slow disk")
		PrintInfo("info")
		PrintEmptyState("nothing here")
	})

	for _, want := range []string{"✓ built", "⚠ slow disk", "info", "nothing here"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

package processor

import (
	"reflect"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestTrimProcessor(t *testing.T) {
	p := &TrimProcessor{}
	input := []string{"  hello    ", " world \r", "", "  "}
	expected := []string{"  hello", " world"}
	result, err := p.Process(input)
	if err != nil {
		t.Fatalf("TrimProcessor failed: %v", err)
	}
	if !reflect.DeepEqual(result, expected) {
		t.Errorf("TrimProcessor: got %q, want %q", result, expected)
	}
}

func TestRedactProcessor(t *testing.T) {
	p := NewRedactProcessor("s3cret-pass", "abc")
	result, err := p.Process([]string{"login with s3cret-pass ok", "abc stays"})
	if err != nil {
		t.Fatalf("RedactProcessor failed: %v", err)
	}
	expected := []string{"login with ****** ok", "abc stays"}
	if !reflect.DeepEqual(result, expected) {
		t.Errorf("RedactProcessor: got %q, want %q", result, expected)
	}
}

func TestTruncateProcessor(t *testing.T) {
	tests := []struct {
		name     string
		max      int
		input    []string
		expected []string
	}{
		{
			name:     "under cap",
			max:      20,
			input:    []string{"abc", "def"},
			expected: []string{"abc", "def"},
		},
		{
			name:     "cut inside second line",
			max:      6,
			input:    []string{"abc", "defgh"},
			expected: []string{"abc", "de", "[truncated 3 bytes]"},
		},
		{
			name:     "single long line",
			max:      4,
			input:    []string{"0123456789"},
			expected: []string{"0123", "[truncated 6 bytes]"},
		},
		{
			name:     "cut backs off to rune start",
			max:      2,
			input:    []string{"héllo wörld"},
			expected: []string{"h", "[truncated 12 bytes]"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &TruncateProcessor{MaxBytes: tt.max}
			result, err := p.Process(tt.input)
			if err != nil {
				t.Fatalf("TruncateProcessor failed: %v", err)
			}
			if !reflect.DeepEqual(result, tt.expected) {
				t.Errorf("TruncateProcessor: got %q, want %q", result, tt.expected)
			}
		})
	}
}

func TestProcessorChainApply(t *testing.T) {
	pc := NewProcessorChain(16, "hunter22")
	out := pc.Apply("password hunter22\n" + strings.Repeat("x", 40) + "\n\n")
	if !strings.HasPrefix(out, "password ******") {
		t.Errorf("Apply did not redact: %q", out)
	}
	if !strings.HasSuffix(out, "bytes]") {
		t.Errorf("Apply did not truncate: %q", out)
	}
}

func TestProcessorChainApplyKeepsUTF8(t *testing.T) {
	out := NewProcessorChain(2).Apply("héllo wörld")
	if !utf8.ValidString(out) {
		t.Errorf("Apply produced invalid UTF-8: %q", out)
	}
	if out != "h\n[truncated 12 bytes]" {
		t.Errorf("unexpected output: %q", out)
	}
}

func TestProcessorChainUnknown(t *testing.T) {
	pc := NewProcessorChain(0)
	if _, err := pc.Process([]string{"a"}, "split_lines"); err == nil {
		t.Error("expected error for unregistered processor")
	}
}

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const diamond = `functions:
  - name: main
    params: [r0]
    results: [r1]
    blocks:
      - label: entry
        code:
          - test.lt.f p0, r0, 0
        if: {pred: p0, then: neg, else: pos}
      - label: neg
        code:
          - fsub r1, 0, r0
        goto: done
      - label: pos
        code:
          - mov r1, r0
        goto: done
      - label: done
        code:
          - mov o0, r1
`

func writeInput(t *testing.T, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "prog.yaml")
	if err := os.WriteFile(path, []byte(src), 0644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}
	return path
}

func TestVersion(t *testing.T) {
	if version == "" {
		t.Error("version should not be empty")
	}
}

func TestDebugFlagsExist(t *testing.T) {
	var out, errOut bytes.Buffer
	cmd := newRootCmd(&out, &errOut)

	expectedFlags := []string{"dir", "ddom", "ddeps", "dsched", "dalloc", "dasm", "target", "log", "opt", "sched-window", "alloc", "max-spill-rounds"}
	for _, flagName := range expectedFlags {
		if cmd.Flags().Lookup(flagName) == nil {
			t.Errorf("expected flag --%s to exist", flagName)
		}
	}
	if f := cmd.Flags().ShorthandLookup("O"); f == nil || f.Name != "opt" {
		t.Errorf("expected -O to be shorthand for --opt")
	}
}

func TestNoArgsPrintsHelp(t *testing.T) {
	var out, errOut bytes.Buffer
	cmd := newRootCmd(&out, &errOut)
	cmd.SetArgs(nil)
	if err := cmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out.String(), "ralph-usc") {
		t.Errorf("expected help text, got %q", out.String())
	}
}

func TestCompileWritesAsm(t *testing.T) {
	input := writeInput(t, diamond)

	var out, errOut bytes.Buffer
	cmd := newRootCmd(&out, &errOut)
	cmd.SetArgs([]string{input})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("ralph-usc failed: %v\nStderr: %s", err, errOut.String())
	}
	if out.Len() != 0 {
		t.Errorf("expected nothing on stdout without dump flags, got %q", out.String())
	}

	data, err := os.ReadFile(strings.TrimSuffix(input, ".yaml") + ".s")
	if err != nil {
		t.Fatalf("expected output file: %v", err)
	}
	if !strings.Contains(string(data), "\t.func\tmain\n") {
		t.Errorf("output file missing function:\n%s", data)
	}
	if !strings.Contains(errOut.String(), "compiled") {
		t.Errorf("expected summary on stderr, got %q", errOut.String())
	}
}

func TestDumpFlagsWriteFiles(t *testing.T) {
	tests := []struct {
		flag string
		ext  string
		want string
	}{
		{"--dir", ".ir", "main(r0) -> (r1) {"},
		{"--ddom", ".dom", " preds L"},
		{"--dsched", ".sched", "test.lt.f p0, r0, #0"},
		{"--dalloc", ".alloc", "=R"},
		{"--dasm", ".s", "\t.endfunc\tmain\n"},
	}
	for _, tt := range tests {
		t.Run(tt.flag, func(t *testing.T) {
			input := writeInput(t, diamond)

			var out, errOut bytes.Buffer
			cmd := newRootCmd(&out, &errOut)
			cmd.SetArgs([]string{tt.flag, input})
			if err := cmd.Execute(); err != nil {
				t.Fatalf("ralph-usc failed: %v\nStderr: %s", err, errOut.String())
			}
			if !strings.Contains(out.String(), tt.want) {
				t.Errorf("stdout missing %q:\n%s", tt.want, out.String())
			}
			data, err := os.ReadFile(strings.TrimSuffix(input, ".yaml") + tt.ext)
			if err != nil {
				t.Fatalf("expected dump file: %v", err)
			}
			if !strings.Contains(string(data), tt.want) {
				t.Errorf("dump file missing %q:\n%s", tt.want, data)
			}
		})
	}
}

func TestErrorsReported(t *testing.T) {
	tiny := filepath.Join(t.TempDir(), "tiny.yaml")
	if err := os.WriteFile(tiny, []byte("name: tiny\nregisters:\n  temp: 1\n"), 0644); err != nil {
		t.Fatalf("failed to write target: %v", err)
	}

	tests := []struct {
		name string
		src  string
		args []string
		want string
	}{
		{
			name: "bad operand",
			src:  "functions:\n  - name: main\n    blocks:\n      - code: [mov r0 s99]\n",
			want: "malformed input",
		},
		{
			name: "out of registers",
			src:  "functions:\n  - name: main\n    params: [r0, r1]\n    results: [r2]\n    blocks:\n      - code: [fadd r2 r0 r1]\n",
			args: []string{"--target", tiny},
			want: "allocation failure",
		},
		{
			name: "bad target file",
			src:  diamond,
			args: []string{"--target", filepath.Join(t.TempDir(), "none.yaml")},
			want: "ralph-usc: error: ",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input := writeInput(t, tt.src)

			var out, errOut bytes.Buffer
			cmd := newRootCmd(&out, &errOut)
			cmd.SetArgs(append(tt.args, input))
			if err := cmd.Execute(); err == nil {
				t.Fatal("expected error")
			}
			msg := errOut.String()
			if !strings.HasPrefix(msg, "ralph-usc: ") {
				t.Errorf("expected ralph-usc prefix, got %q", msg)
			}
			if !strings.Contains(msg, tt.want) {
				t.Errorf("expected %q in %q", tt.want, msg)
			}
		})
	}
}

func TestMissingInput(t *testing.T) {
	var out, errOut bytes.Buffer
	cmd := newRootCmd(&out, &errOut)
	cmd.SetArgs([]string{filepath.Join(t.TempDir(), "missing.yaml")})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected error for missing file")
	}
	if !strings.Contains(errOut.String(), "ralph-usc: ") {
		t.Errorf("expected error message, got %q", errOut.String())
	}
}

func TestBadAllocatorFlag(t *testing.T) {
	var out, errOut bytes.Buffer
	cmd := newRootCmd(&out, &errOut)
	cmd.SetArgs([]string{"--alloc", "greedy", "prog.yaml"})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected error for unknown allocator")
	}
}

func TestOutputFilename(t *testing.T) {
	tests := []struct{ in, ext, want string }{
		{"prog.yaml", ".s", "prog.s"},
		{"dir/prog.yml", ".ir", "dir/prog.ir"},
		{"prog", ".s", "prog.s"},
	}
	for _, tt := range tests {
		if got := outputFilename(tt.in, tt.ext); got != tt.want {
			t.Errorf("outputFilename(%q, %q) = %q, want %q", tt.in, tt.ext, got, tt.want)
		}
	}
}

func TestNormalizeFlags(t *testing.T) {
	tests := []struct {
		name     string
		input    []string
		expected []string
	}{
		{
			name:     "single dash dasm",
			input:    []string{"-dasm", "prog.yaml"},
			expected: []string{"--dasm", "prog.yaml"},
		},
		{
			name:     "double dash unchanged",
			input:    []string{"--dalloc", "prog.yaml"},
			expected: []string{"--dalloc", "prog.yaml"},
		},
		{
			name:     "multiple flags",
			input:    []string{"-dir", "-ddom", "-O", "1", "prog.yaml"},
			expected: []string{"--dir", "--ddom", "-O", "1", "prog.yaml"},
		},
		{
			name:     "unknown single dash left alone",
			input:    []string{"-dfoo", "prog.yaml"},
			expected: []string{"-dfoo", "prog.yaml"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := normalizeFlags(tt.input)
			if len(got) != len(tt.expected) {
				t.Fatalf("got %v, want %v", got, tt.expected)
			}
			for i := range got {
				if got[i] != tt.expected[i] {
					t.Errorf("arg %d: got %q, want %q", i, got[i], tt.expected[i])
				}
			}
		})
	}
}

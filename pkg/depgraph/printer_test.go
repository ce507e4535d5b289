package depgraph

import (
	"bytes"
	"fmt"
	"testing"
)

func TestPrint(t *testing.T) {
	s, b := setup()
	add(s, b, 1, 0, 0)
	add(s, b, 2, 1, 0)
	g := Build(s, b)

	var buf bytes.Buffer
	g.Print(&buf)
	want := fmt.Sprintf("L%d:\n  0: fadd r1, r0, r0\n  1: fadd r2, r1, r0  <- 0 raw\n", b.Label)
	if got := buf.String(); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

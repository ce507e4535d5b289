package depgraph

import (
	"fmt"
	"io"
	"strings"

	"github.com/raymyers/ralph-usc/pkg/ir"
)

// Print writes the nodes of g in program order, each followed by the
// edges to the nodes it depends on, e.g. "  2: fmul r2, r1, r0  <- 0 raw, 1 raw".
func (g *Graph) Print(w io.Writer) {
	fmt.Fprintf(w, "L%d:\n", g.Block.Label)
	for k, n := range g.Nodes {
		line := fmt.Sprintf("  %d: %s", k, ir.FormatInstr(n))
		if preds := g.preds[k]; len(preds) > 0 {
			deps := make([]string, len(preds))
			for j, e := range preds {
				deps[j] = fmt.Sprintf("%d %v", e.Dep, e.Kind)
			}
			line += "  <- " + strings.Join(deps, ", ")
		}
		fmt.Fprintln(w, line)
	}
}

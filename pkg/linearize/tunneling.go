// Branch tunneling for laid-out code.
// This pass shortcuts jumps that jump to other jumps.
// E.g., "br L1" where L1 is "br L2" becomes "br L2"
package linearize

import "github.com/raymyers/ralph-usc/pkg/asm"

// Tunnel shortcuts chains of unconditional branches. A block that needs a
// re-convergence marker starts with Sync and is never tunneled through.
func Tunnel(fn *asm.Function) {
	if len(fn.Code) == 0 {
		return
	}

	// Build map: label -> what it jumps to (if just a branch)
	jumpTargets := buildJumpTargetMap(fn)

	// Resolve chains
	resolved := resolveChains(jumpTargets)

	// Apply tunneling to all branch instructions
	for i, inst := range fn.Code {
		fn.Code[i] = tunnelInstruction(inst, resolved)
	}
}

// buildJumpTargetMap finds labels that are immediately followed by a branch
func buildJumpTargetMap(fn *asm.Function) map[asm.Label]asm.Label {
	result := make(map[asm.Label]asm.Label)
	for i := 0; i < len(fn.Code)-1; i++ {
		lbl, ok := fn.Code[i].(asm.LabelDef)
		if !ok {
			continue
		}
		if br, ok := fn.Code[i+1].(asm.Branch); ok {
			result[lbl.Lbl] = br.Target
		}
	}
	return result
}

// resolveChains follows jump chains to their ultimate target.
func resolveChains(jumpTargets map[asm.Label]asm.Label) map[asm.Label]asm.Label {
	result := make(map[asm.Label]asm.Label)
	for lbl := range jumpTargets {
		result[lbl] = resolveLabel(lbl, jumpTargets)
	}
	return result
}

// resolveLabel follows a jump chain to its ultimate target. A cycle
// resolves to the label where it was detected.
func resolveLabel(lbl asm.Label, jumpTargets map[asm.Label]asm.Label) asm.Label {
	visited := make(map[asm.Label]bool)
	current := lbl
	for {
		if visited[current] {
			return current
		}
		visited[current] = true

		target, ok := jumpTargets[current]
		if !ok {
			return current
		}
		current = target
	}
}

func tunnelLabel(l asm.Label, resolved map[asm.Label]asm.Label) asm.Label {
	if t, ok := resolved[l]; ok {
		return t
	}
	return l
}

// tunnelInstruction applies tunneling to a single instruction
func tunnelInstruction(inst asm.Instruction, resolved map[asm.Label]asm.Label) asm.Instruction {
	switch i := inst.(type) {
	case asm.Branch:
		i.Target = tunnelLabel(i.Target, resolved)
		return i
	case asm.CondBranch:
		i.Target = tunnelLabel(i.Target, resolved)
		return i
	case asm.SwitchBranch:
		targets := make([]asm.Label, len(i.Targets))
		for j, t := range i.Targets {
			targets[j] = tunnelLabel(t, resolved)
		}
		i.Targets = targets
		if i.HasDefault {
			i.Default = tunnelLabel(i.Default, resolved)
		}
		return i
	default:
		return inst
	}
}

// Label cleanup for laid-out code.
// Removes labels no branch references, code that can no longer be reached
// and branches to the immediately following label.
package linearize

import "github.com/raymyers/ralph-usc/pkg/asm"

// Cleanup runs CleanupLabels, RemoveDeadCode and RemoveFallthroughBranches
// until none of them changes anything.
func Cleanup(fn *asm.Function) {
	for {
		n := len(fn.Code)
		CleanupLabels(fn)
		RemoveDeadCode(fn)
		RemoveFallthroughBranches(fn)
		if len(fn.Code) == n {
			return
		}
	}
}

// CleanupLabels removes unreferenced labels.
// The first label (entry point) is always preserved.
func CleanupLabels(fn *asm.Function) {
	if len(fn.Code) == 0 {
		return
	}

	// Find all referenced labels
	used := collectUsedLabels(fn)

	// Always keep the entry label
	for _, inst := range fn.Code {
		if lbl, ok := inst.(asm.LabelDef); ok {
			used[lbl.Lbl] = true
			break
		}
	}

	newCode := make([]asm.Instruction, 0, len(fn.Code))
	for _, inst := range fn.Code {
		if lbl, ok := inst.(asm.LabelDef); ok && !used[lbl.Lbl] {
			continue
		}
		newCode = append(newCode, inst)
	}
	fn.Code = newCode
}

// RemoveDeadCode drops everything between an unconditional transfer and
// the next label.
func RemoveDeadCode(fn *asm.Function) {
	newCode := make([]asm.Instruction, 0, len(fn.Code))
	dead := false
	for _, inst := range fn.Code {
		if _, ok := inst.(asm.LabelDef); ok {
			dead = false
		}
		if dead {
			continue
		}
		newCode = append(newCode, inst)
		dead = transfers(inst)
	}
	fn.Code = newCode
}

// RemoveFallthroughBranches drops a branch to the label right after it.
func RemoveFallthroughBranches(fn *asm.Function) {
	newCode := make([]asm.Instruction, 0, len(fn.Code))
	for k, inst := range fn.Code {
		if br, ok := inst.(asm.Branch); ok && k+1 < len(fn.Code) {
			if lbl, ok := fn.Code[k+1].(asm.LabelDef); ok && lbl.Lbl == br.Target {
				continue
			}
		}
		newCode = append(newCode, inst)
	}
	fn.Code = newCode
}

// transfers reports whether control never continues past inst.
func transfers(inst asm.Instruction) bool {
	switch i := inst.(type) {
	case asm.Branch, asm.Return:
		return true
	case asm.SwitchBranch:
		return i.HasDefault
	}
	return false
}

// collectUsedLabels returns all labels that are targets of branches
func collectUsedLabels(fn *asm.Function) map[asm.Label]bool {
	used := make(map[asm.Label]bool)
	for _, inst := range fn.Code {
		switch i := inst.(type) {
		case asm.Branch:
			used[i.Target] = true
		case asm.CondBranch:
			used[i.Target] = true
		case asm.SwitchBranch:
			for _, target := range i.Targets {
				used[target] = true
			}
			if i.HasDefault {
				used[i.Default] = true
			}
		}
	}
	return used
}

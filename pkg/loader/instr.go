package loader

import (
	"strconv"
	"strings"

	"github.com/raymyers/ralph-usc/pkg/diag"
	"github.com/raymyers/ralph-usc/pkg/ir"
)

// parseInstr reads one instruction:
//
//	[(!pN)] op[.suffix] dest..., src... [attr...]
//	[(!pN)] op[.suffix] dest... = src... [attr...]
//
// The "=" form is required for opcodes with a variable number of
// destinations. Attributes are swizzles (.yx), a callee (@name), a texture
// (texN, grad) and the flags skipinv, suspend and +.
func (b *builder) parseInstr(text string, line int) (*ir.Instruction, error) {
	rest := strings.TrimSpace(text)
	var guard *ir.Guard
	if strings.HasPrefix(rest, "(") {
		end := strings.Index(rest, ")")
		if end < 0 {
			return nil, diag.Malformed(line, "unterminated guard in %q", text)
		}
		g := strings.TrimSpace(rest[1:end])
		neg := strings.HasPrefix(g, "!")
		r, err := b.reg(strings.TrimPrefix(g, "!"), line)
		if err != nil {
			return nil, err
		}
		guard = &ir.Guard{Reg: r, Negate: neg}
		rest = rest[end+1:]
	}

	fields := strings.Fields(strings.ReplaceAll(rest, ",", " "))
	if len(fields) == 0 {
		return nil, diag.Malformed(line, "empty instruction")
	}
	parts := strings.Split(fields[0], ".")
	op, ok := ir.OpByName(parts[0])
	if !ok {
		return nil, diag.Malformed(line, "unknown opcode %q", parts[0])
	}
	info := op.Info()

	var (
		payload   ir.Payload
		flags     ir.Flags
		dests     []ir.Operand
		ops       []ir.Operand
		swizzles  []string
		split     = -1
		callee    string
		tex       = -1
		gradients bool
	)

	switch {
	case op == ir.OpTest:
		if len(parts) < 2 || len(parts) > 3 {
			return nil, diag.Malformed(line, "test needs a condition, e.g. test.lt")
		}
		cond, ok := ir.CondByName(parts[1])
		if !ok {
			return nil, diag.Malformed(line, "unknown condition %q", parts[1])
		}
		tp := ir.TestPayload{Cond: cond}
		if len(parts) == 3 {
			if parts[2] != "f" {
				return nil, diag.Malformed(line, "unknown test suffix %q", parts[2])
			}
			tp.Float = true
		}
		payload = tp
	case info.IsVector:
		if len(parts) != 2 {
			return nil, diag.Malformed(line, "%v needs a lane mask, e.g. %v.xy", op, op)
		}
		m, err := parseMask(parts[1], line)
		if err != nil {
			return nil, err
		}
		payload = ir.VecPayload{DstMask: m}
	case len(parts) > 1:
		return nil, diag.Malformed(line, "%v takes no suffix", op)
	}

	for _, tok := range fields[1:] {
		switch {
		case tok == "=":
			if split >= 0 {
				return nil, diag.Malformed(line, "more than one '='")
			}
			split = len(ops)
		case tok == "skipinv":
			flags |= ir.FlagSkipInvalid
		case tok == "suspend":
			flags |= ir.FlagSuspend
		case tok == "+":
			flags |= ir.FlagCoIssue
		case tok == "grad":
			gradients = true
		case strings.HasPrefix(tok, "."):
			swizzles = append(swizzles, tok[1:])
		case strings.HasPrefix(tok, "@"):
			callee = tok[1:]
		case strings.HasPrefix(tok, "tex"):
			n, err := strconv.Atoi(tok[3:])
			if err != nil || n < 0 {
				return nil, diag.Malformed(line, "bad texture %q", tok)
			}
			tex = n
		default:
			o, err := b.operand(tok, line)
			if err != nil {
				return nil, err
			}
			ops = append(ops, o)
		}
	}

	switch {
	case split >= 0:
		dests, ops = ops[:split], ops[split:]
	case info.Dests < 0:
		return nil, diag.Malformed(line, "%v needs '=' between destinations and sources", op)
	case len(ops) < info.Dests:
		return nil, diag.Malformed(line, "%v takes %d destinations", op, info.Dests)
	default:
		dests, ops = ops[:info.Dests], ops[info.Dests:]
	}

	switch op {
	case ir.OpCall:
		if callee == "" {
			return nil, diag.Malformed(line, "call needs a callee, e.g. @helper")
		}
		payload = ir.CallPayload{Callee: callee}
	case ir.OpSample:
		if tex < 0 {
			return nil, diag.Malformed(line, "smp needs a texture, e.g. tex0")
		}
		payload = ir.SamplePayload{Texture: tex, Gradients: gradients}
	default:
		if callee != "" || tex >= 0 || gradients {
			return nil, diag.Malformed(line, "%v takes no callee or texture", op)
		}
	}

	if vp, ok := payload.(ir.VecPayload); ok {
		for _, sw := range swizzles {
			comps, err := parseSwizzle(sw, vp.DstMask, line)
			if err != nil {
				return nil, err
			}
			vp.Swizzles = append(vp.Swizzles, comps)
		}
		payload = vp
	} else if len(swizzles) > 0 {
		return nil, diag.Malformed(line, "%v takes no swizzle", op)
	}

	i := b.s.NewInstr(op, dests, ops)
	i.Pred, i.Flags, i.Payload, i.Line = guard, flags, payload, line
	return i, nil
}

// operand reads an immediate (5, -1, 0x10 or #5), sN, arrN[off],
// arrN[xK+off] or a register. The bare form of immediates exists because
// YAML reads " #" as the start of a comment.
func (b *builder) operand(tok string, line int) (ir.Operand, error) {
	switch {
	case strings.HasPrefix(tok, "#") || tok[0] == '-' || (tok[0] >= '0' && tok[0] <= '9'):
		v, err := strconv.ParseInt(strings.TrimPrefix(tok, "#"), 0, 64)
		if err != nil || v < -1<<31 || v > 1<<32-1 {
			return nil, diag.Malformed(line, "bad immediate %q", tok)
		}
		return ir.Imm{Value: uint32(v)}, nil

	case strings.HasPrefix(tok, "arr"):
		return b.arrayElem(tok, line)

	case strings.HasPrefix(tok, "s"):
		n, err := strconv.Atoi(tok[1:])
		if err != nil {
			return nil, diag.Malformed(line, "bad special register %q", tok)
		}
		return ir.Special{Num: n}, nil
	}
	return b.regOperand(tok, line)
}

func (b *builder) arrayElem(tok string, line int) (ir.Operand, error) {
	lb, rb := strings.Index(tok, "["), strings.Index(tok, "]")
	if lb < 0 || rb < lb {
		return nil, diag.Malformed(line, "bad array element %q", tok)
	}
	id, err := strconv.Atoi(tok[3:lb])
	if err != nil {
		return nil, diag.Malformed(line, "bad array number in %q", tok)
	}
	e := ir.ArrayElem{Array: id, Mask: ir.MaskFull}

	inner := tok[lb+1 : rb]
	off := inner
	if k := strings.Index(inner, "+"); k >= 0 {
		idx, err := b.regOperand(inner[:k], line)
		if err != nil {
			return nil, err
		}
		e.Index, off = &idx, inner[k+1:]
	} else if inner != "" && (inner[0] < '0' || inner[0] > '9') {
		idx, err := b.regOperand(inner, line)
		if err != nil {
			return nil, err
		}
		e.Index, off = &idx, "0"
	}
	if e.Offset, err = strconv.Atoi(off); err != nil {
		return nil, diag.Malformed(line, "bad array offset in %q", tok)
	}

	if suffix := tok[rb+1:]; suffix != "" {
		if !strings.HasPrefix(suffix, ".") {
			return nil, diag.Malformed(line, "bad array element %q", tok)
		}
		if e.Mask, err = parseMask(suffix[1:], line); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func (b *builder) regOperand(tok string, line int) (ir.RegOperand, error) {
	name, mask := tok, ""
	if k := strings.Index(tok, "."); k >= 0 {
		name, mask = tok[:k], tok[k+1:]
	}
	r, err := b.reg(name, line)
	if err != nil {
		return ir.RegOperand{}, err
	}
	o := ir.Use(r)
	if mask != "" {
		if o.Mask, err = parseMask(mask, line); err != nil {
			return ir.RegOperand{}, err
		}
	}
	return o, nil
}

// reg reads a register name such as r3 or p0 and reserves its number.
func (b *builder) reg(name string, line int) (ir.Reg, error) {
	if len(name) < 2 {
		return ir.Reg{}, diag.Malformed(line, "bad register %q", name)
	}
	bank, ok := ir.BankFromPrefix(name[:1])
	if !ok {
		return ir.Reg{}, diag.Malformed(line, "unknown register bank in %q", name)
	}
	n, err := strconv.Atoi(name[1:])
	if err != nil || n < 0 {
		return ir.Reg{}, diag.Malformed(line, "bad register number in %q", name)
	}
	r := ir.Reg{Bank: bank, Num: n}
	b.s.NoteReg(r)
	return r, nil
}

func parseMask(s string, line int) (ir.ChanMask, error) {
	var m ir.ChanMask
	for _, ch := range s {
		c := strings.IndexRune("xyzw", ch)
		if c < 0 || m.Has(c) {
			return 0, diag.Malformed(line, "bad channel mask %q", s)
		}
		m |= 1 << uint(c)
	}
	if m == 0 {
		return 0, diag.Malformed(line, "empty channel mask")
	}
	return m, nil
}

// parseSwizzle maps the components of sw onto the lanes set in mask,
// lowest lane first.
func parseSwizzle(sw string, mask ir.ChanMask, line int) ([4]uint8, error) {
	var comps [4]uint8
	if len(sw) != mask.Count() {
		return comps, diag.Malformed(line, "swizzle .%s does not match %d lanes", sw, mask.Count())
	}
	k := 0
	for c := 0; c < 4; c++ {
		if !mask.Has(c) {
			continue
		}
		comp := strings.IndexByte("xyzw", sw[k])
		if comp < 0 {
			return comps, diag.Malformed(line, "bad swizzle .%s", sw)
		}
		comps[c] = uint8(comp)
		k++
	}
	return comps, nil
}

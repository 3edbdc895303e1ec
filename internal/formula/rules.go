package formula

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var one = decimal.NewFromInt(1)

// Identity is NC = GC.
func Identity() Rule {
	return Rule{
		Method:  MethodDirect,
		Formula: "GC",
		eval: func(gc decimal.Decimal, _ Inputs) (decimal.Decimal, string, bool) {
			return gc, fmt.Sprintf("GC = %s", gc), true
		},
	}
}

// PremiumBased is NC = GC × (PMSP / ISP). A zero PMSP counts as missing.
func PremiumBased() Rule {
	return Rule{
		Method:  MethodPremiumBased,
		Formula: "GC × (PMSP / ISP)",
		eval: func(gc decimal.Decimal, in Inputs) (decimal.Decimal, string, bool) {
			if !positive(in.PMSP) || !positive(in.ISP) {
				return decimal.Decimal{}, "", false
			}
			nc := gc.Mul(*in.PMSP).Div(*in.ISP)
			return nc, fmt.Sprintf("GC × (PMSP / ISP) = %s × (%s / %s) = %s", gc, *in.PMSP, *in.ISP, nc), true
		},
	}
}

// SFRBased is NC = GC / (1 + SFR).
func SFRBased() Rule {
	return Rule{
		Method:  MethodSFRBased,
		Formula: "GC / (1 + SFR)",
		eval: func(gc decimal.Decimal, in Inputs) (decimal.Decimal, string, bool) {
			if in.SFR == nil {
				return decimal.Decimal{}, "", false
			}
			divisor := one.Add(*in.SFR)
			if !divisor.IsPositive() {
				return decimal.Decimal{}, "", false
			}
			nc := gc.Div(divisor)
			return nc, fmt.Sprintf("GC / (1 + SFR) = %s / %s = %s", gc, divisor, nc), true
		},
	}
}

// Structured is NC = GC × (1 − SFR).
func Structured() Rule {
	return Rule{
		Method:  MethodStructured,
		Formula: "GC × (1 - SFR)",
		eval: func(gc decimal.Decimal, in Inputs) (decimal.Decimal, string, bool) {
			if in.SFR == nil {
				return decimal.Decimal{}, "", false
			}
			factor := one.Sub(*in.SFR)
			nc := gc.Mul(factor)
			return nc, fmt.Sprintf("GC × (1 - SFR) = %s × %s = %s", gc, factor, nc), true
		},
	}
}

// Complex is NC = (GC × (1 − SFR)) × (PMSP / ISP).
func Complex() Rule {
	return Rule{
		Method:  MethodComplex,
		Formula: "(GC × (1 - SFR)) × (PMSP / ISP)",
		eval: func(gc decimal.Decimal, in Inputs) (decimal.Decimal, string, bool) {
			if in.SFR == nil || !positive(in.PMSP) || !positive(in.ISP) {
				return decimal.Decimal{}, "", false
			}
			factor := one.Sub(*in.SFR)
			nc := gc.Mul(factor).Mul(*in.PMSP).Div(*in.ISP)
			return nc, fmt.Sprintf("(GC × (1 - SFR)) × (PMSP / ISP) = (%s × %s) × (%s / %s) = %s",
				gc, factor, *in.PMSP, *in.ISP, nc), true
		},
	}
}

// Variables an expression rule may reference.
const (
	VarGC   = "GC"
	VarPMSP = "PMSP"
	VarISP  = "ISP"
	VarSFR  = "SFR"
)

// UnknownVariableError is returned when a stored formula references a
// name that is not a formula input.
type UnknownVariableError struct {
	Name string
}

func (e *UnknownVariableError) Error() string {
	return fmt.Sprintf("formula: unknown variable %s (want GC, PMSP, ISP or SFR)", e.Name)
}

// ExpressionRule builds a rule from a stored formula over GC, PMSP, ISP
// and SFR. A referenced input that is missing, or a zero PMSP or ISP,
// degrades the rule like the built-ins; so does a division by zero.
func ExpressionRule(src string) (Rule, error) {
	ex, err := ParseExpression(src)
	if err != nil {
		return Rule{}, err
	}
	for _, v := range ex.Variables() {
		switch v {
		case VarGC, VarPMSP, VarISP, VarSFR:
		default:
			return Rule{}, &UnknownVariableError{Name: v}
		}
	}
	return Rule{
		Method:  MethodExpression,
		Formula: strings.TrimSpace(src),
		eval: func(gc decimal.Decimal, in Inputs) (decimal.Decimal, string, bool) {
			vars := InputVars(gc, in)
			for _, v := range ex.Variables() {
				if _, ok := vars[v]; !ok {
					return decimal.Decimal{}, "", false
				}
			}
			nc, err := ex.Eval(vars)
			if err != nil {
				return decimal.Decimal{}, "", false
			}
			return nc, fmt.Sprintf("%s = %s = %s", strings.TrimSpace(src), strings.TrimSpace(ex.Substitute(vars)), nc), true
		},
	}, nil
}

// InputVars maps the present inputs to their expression names. Zero PMSP
// and ISP are treated as absent.
func InputVars(gc decimal.Decimal, in Inputs) map[string]decimal.Decimal {
	vars := map[string]decimal.Decimal{VarGC: gc}
	if positive(in.PMSP) {
		vars[VarPMSP] = *in.PMSP
	}
	if positive(in.ISP) {
		vars[VarISP] = *in.ISP
	}
	if in.SFR != nil {
		vars[VarSFR] = *in.SFR
	}
	return vars
}

// positive reports whether v is present and > 0.
func positive(v *decimal.Decimal) bool {
	return v != nil && v.IsPositive()
}

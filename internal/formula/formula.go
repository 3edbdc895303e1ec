// Package formula resolves a deal's formula template to the rule that turns
// gross capital into net capital.
//
// Rules are registered by template name at startup, either built in or
// parsed from a stored formula string (see ParseExpression). Missing inputs make a
// rule fall back to identity (NC = GC) and mark the evaluation Degraded;
// a strict registry reports ErrIncompleteInputs instead.
package formula

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/equitie/fee-engine/internal/model"
)

// Known templates.
const (
	TemplateStandard   = "standard"
	TemplateImpossible = "impossible"
	TemplateSpaceX1    = "spacex1"
	TemplateSpaceX2    = "spacex2"
	TemplateOpenAI     = "openai"
	TemplateFigure     = "figure"
	TemplateReddit     = "reddit"
	TemplateEgypt      = "egypt"
	TemplateScout      = "scout"
	TemplateNewHeights = "newheights"
)

// NC calculation methods: the shape of a formula.
const (
	MethodDirect       = "direct"
	MethodPremiumBased = "premium_based"
	MethodSFRBased     = "sfr_based"
	MethodStructured   = "structured"
	MethodComplex      = "complex"
)

// ErrIncompleteInputs is returned by a strict registry when a rule's
// required inputs are missing.
var ErrIncompleteInputs = errors.New("formula: required inputs missing")

// UnknownFormulaError is returned when no rule is registered for a template.
type UnknownFormulaError struct {
	Template string
}

func (e *UnknownFormulaError) Error() string {
	return fmt.Sprintf("formula: unknown template %q", e.Template)
}

// Inputs are the optional per-transaction formula inputs.
type Inputs struct {
	PMSP *decimal.Decimal // post-money share price
	ISP  *decimal.Decimal // initial share price
	SFR  *decimal.Decimal // structuring fee rate, fraction 0–1
}

// InputsFor merges a transaction's inputs with the deal defaults.
func InputsFor(tx model.Transaction, cfg model.DealFormulaConfig) Inputs {
	in := Inputs{PMSP: tx.PMSP, ISP: tx.ISP, SFR: tx.SFR}
	if in.PMSP == nil {
		in.PMSP = cfg.PMSP
	}
	if in.ISP == nil {
		in.ISP = cfg.ISP
	}
	if in.SFR == nil {
		in.SFR = cfg.SFR
	}
	return in
}

// Evaluation is the outcome of applying a rule to one gross capital amount.
type Evaluation struct {
	Template    string          `json:"template"`
	Method      string          `json:"method"`
	NetCapital  decimal.Decimal `json:"net_capital"`
	Formula     string          `json:"formula"`
	Substituted string          `json:"substituted"`
	Degraded    bool            `json:"degraded"`
}

// Step returns the evaluation as a calculation trace line.
func (e Evaluation) Step() model.CalculationStep {
	return model.CalculationStep{
		Name:        "net_capital",
		Formula:     e.Formula,
		Substituted: e.Substituted,
		Result:      e.NetCapital,
	}
}

// evalFunc computes NC; ok=false means required inputs were missing.
type evalFunc func(gc decimal.Decimal, in Inputs) (nc decimal.Decimal, substituted string, ok bool)

// Rule is a pure net-capital computation plus its symbolic formula.
type Rule struct {
	Method  string
	Formula string
	eval    evalFunc
}

// Apply evaluates the rule. Missing inputs degrade to NC = GC.
func (r Rule) Apply(gc decimal.Decimal, in Inputs) Evaluation {
	ev := Evaluation{Method: r.Method, Formula: r.Formula}
	nc, sub, ok := r.eval(gc, in)
	if !ok {
		ev.NetCapital = gc
		ev.Substituted = fmt.Sprintf("GC = %s (inputs missing, %s not applied)", gc, r.Formula)
		ev.Degraded = true
		return ev
	}
	ev.NetCapital = nc
	ev.Substituted = sub
	return ev
}

// Registry maps template names to rules. Safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	rules  map[string]Rule
	strict bool
}

// NewRegistry returns a registry populated with the built-in templates and
// the method names as aliases.
func NewRegistry() *Registry {
	r := &Registry{rules: make(map[string]Rule)}

	for _, t := range []string{TemplateStandard, MethodDirect, TemplateReddit, TemplateScout, TemplateEgypt, TemplateNewHeights} {
		r.Register(t, Identity())
	}
	for _, t := range []string{TemplateImpossible, TemplateSpaceX2, MethodPremiumBased} {
		r.Register(t, PremiumBased())
	}
	r.Register(TemplateSpaceX1, SFRBased())
	r.Register(MethodSFRBased, SFRBased())
	r.Register(TemplateFigure, Structured())
	r.Register(MethodStructured, Structured())
	r.Register(TemplateOpenAI, Complex())
	r.Register(MethodComplex, Complex())
	return r
}

// Register adds or replaces the rule for a template.
func (r *Registry) Register(template string, rule Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules[normalize(template)] = rule
}

// SetStrict controls whether degraded evaluations become errors.
func (r *Registry) SetStrict(strict bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strict = strict
}

// Resolve returns the rule registered for template.
func (r *Registry) Resolve(template string) (Rule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.rules[normalize(template)]
	if !ok {
		return Rule{}, &UnknownFormulaError{Template: template}
	}
	return rule, nil
}

// RegisterExpression parses a stored formula and registers it for
// template, replacing any existing rule.
func (r *Registry) RegisterExpression(template, src string) error {
	rule, err := ExpressionRule(src)
	if err != nil {
		return fmt.Errorf("template %s: %w", normalize(template), err)
	}
	r.Register(template, rule)
	return nil
}

// Has reports whether a rule is registered for template.
func (r *Registry) Has(template string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rules[normalize(template)]
	return ok
}

// TemplateInfo describes one registered template.
type TemplateInfo struct {
	Template string `json:"template"`
	Method   string `json:"nc_calculation_method"`
	Formula  string `json:"formula"`
}

// Templates returns the registered templates sorted by name.
func (r *Registry) Templates() []TemplateInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]TemplateInfo, 0, len(r.rules))
	for name, rule := range r.rules {
		out = append(out, TemplateInfo{Template: name, Method: rule.Method, Formula: rule.Formula})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Template < out[j].Template })
	return out
}

// Evaluate resolves template and applies its rule.
func (r *Registry) Evaluate(template string, gc decimal.Decimal, in Inputs) (Evaluation, error) {
	rule, err := r.Resolve(template)
	if err != nil {
		return Evaluation{}, err
	}
	ev := rule.Apply(gc, in)
	ev.Template = normalize(template)

	r.mu.RLock()
	strict := r.strict
	r.mu.RUnlock()
	if strict && ev.Degraded {
		return ev, fmt.Errorf("%w: template %s", ErrIncompleteInputs, ev.Template)
	}
	return ev, nil
}

// TemplateFor picks the template a deal is evaluated with: the explicit
// template, else the calculation method, else standard.
func TemplateFor(cfg model.DealFormulaConfig) string {
	if t := normalize(cfg.FormulaTemplate); t != "" {
		return t
	}
	if m := normalize(cfg.NCCalculationMethod); m != "" {
		return m
	}
	return TemplateStandard
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

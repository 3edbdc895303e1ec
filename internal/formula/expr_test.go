package formula

import (
	"errors"
	"reflect"
	"testing"

	"github.com/shopspring/decimal"
)

func TestParseExpression_Eval(t *testing.T) {
	vars := map[string]decimal.Decimal{"GC": d(10000), "PMSP": d(150), "ISP": d(100), "SFR": d(0.2)}

	tests := []struct {
		src  string
		want float64
	}{
		{"GC", 10000},
		{"GC * 0.95", 9500},
		{"gc × (pmsp / isp)", 15000},
		{"(GC * (1 - SFR)) * (PMSP / ISP)", 12000},
		{"2 + 3 * 4", 14},
		{"(2 + 3) * 4", 20},
		{"10 - 4 - 3", 3},
		{"100 / 4 / 5", 5},
		{"-GC + 1", -9999},
		{"--5", 5},
		{"MIN(GC, 5000, 7000)", 5000},
		{"MAX(GC, 5000)", 10000},
		{"ABS(-12.5)", 12.5},
		{"ROUND(2.5)", 3},
		{"ROUND(1.23456, 2)", 1.23},
		{"CEIL(1.2)", 2},
		{"FLOOR(-1.2)", -2},
		{"POW(1.1, 2)", 1.21},
		{"SQRT(16)", 4},
		{"GC ÷ 4", 2500},
	}
	for _, tt := range tests {
		ex, err := ParseExpression(tt.src)
		if err != nil {
			t.Errorf("parse %q: %v", tt.src, err)
			continue
		}
		got, err := ex.Eval(vars)
		if err != nil {
			t.Errorf("eval %q: %v", tt.src, err)
			continue
		}
		if !got.Equal(d(tt.want)) {
			t.Errorf("%q = %s, want %v", tt.src, got, tt.want)
		}
	}
}

func TestParseExpression_SyntaxErrors(t *testing.T) {
	for _, src := range []string{
		"",
		"GC +",
		"(GC * 2",
		"GC * 2)",
		"GC $ 2",
		"1.2.3",
		"FOO(1)",
		"MIN",
		"ABS(1, 2)",
		"POW(2)",
		"MIN(1,",
		"GC GC",
	} {
		_, err := ParseExpression(src)
		var se *SyntaxError
		if !errors.As(err, &se) {
			t.Errorf("%q: expected SyntaxError, got %v", src, err)
		}
	}
}

func TestExpression_EvalErrors(t *testing.T) {
	vars := map[string]decimal.Decimal{"GC": d(100)}

	ex, _ := ParseExpression("GC / (GC - 100)")
	if _, err := ex.Eval(vars); !errors.Is(err, ErrDivisionByZero) {
		t.Errorf("expected ErrDivisionByZero, got %v", err)
	}

	ex, _ = ParseExpression("GC * SFR")
	var mv *MissingVariableError
	if _, err := ex.Eval(vars); !errors.As(err, &mv) || mv.Name != "SFR" {
		t.Errorf("expected MissingVariableError for SFR, got %v", err)
	}

	for _, src := range []string{"SQRT(-1)", "POW(2, 0.5)", "POW(2, 1000)", "POW(0, -1)", "ROUND(1, 0.5)"} {
		ex, err := ParseExpression(src)
		if err != nil {
			t.Fatalf("parse %q: %v", src, err)
		}
		if _, err := ex.Eval(vars); err == nil {
			t.Errorf("%q: expected an error", src)
		}
	}
}

func TestExpression_VariablesAndSubstitute(t *testing.T) {
	ex, err := ParseExpression("gc * (PMSP / isp) + GC")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := ex.Variables(), []string{"GC", "ISP", "PMSP"}; !reflect.DeepEqual(got, want) {
		t.Errorf("variables: got %v, want %v", got, want)
	}

	got := ex.Substitute(map[string]decimal.Decimal{"GC": d(10), "PMSP": d(3)})
	if want := "10 * (3 / isp) + 10"; got != want {
		t.Errorf("substitute: got %q, want %q", got, want)
	}
}

func TestExpressionRule(t *testing.T) {
	rule, err := ExpressionRule("GC * (1 - SFR) * 0.5")
	if err != nil {
		t.Fatal(err)
	}
	if rule.Method != MethodExpression {
		t.Errorf("method: got %q", rule.Method)
	}

	ev := rule.Apply(d(1000), Inputs{SFR: p(0.2)})
	if ev.Degraded || !ev.NetCapital.Equal(d(400)) {
		t.Errorf("got NC %s degraded %v", ev.NetCapital, ev.Degraded)
	}
	if want := "GC * (1 - SFR) * 0.5 = 1000 * (1 - 0.2) * 0.5 = 400"; ev.Substituted != want {
		t.Errorf("substituted: got %q, want %q", ev.Substituted, want)
	}

	ev = rule.Apply(d(1000), Inputs{})
	if !ev.Degraded || !ev.NetCapital.Equal(d(1000)) {
		t.Errorf("missing SFR should degrade to GC, got %s degraded %v", ev.NetCapital, ev.Degraded)
	}
}

func TestExpressionRule_ZeroPriceDegrades(t *testing.T) {
	rule, err := ExpressionRule("GC * PMSP / ISP")
	if err != nil {
		t.Fatal(err)
	}
	ev := rule.Apply(d(1000), Inputs{PMSP: p(150), ISP: p(0)})
	if !ev.Degraded || !ev.NetCapital.Equal(d(1000)) {
		t.Errorf("zero ISP should degrade, got %s degraded %v", ev.NetCapital, ev.Degraded)
	}
}

func TestExpressionRule_UnknownVariable(t *testing.T) {
	_, err := ExpressionRule("GC * RATE")
	var uv *UnknownVariableError
	if !errors.As(err, &uv) || uv.Name != "RATE" {
		t.Fatalf("expected UnknownVariableError, got %v", err)
	}
}

func TestRegisterExpression(t *testing.T) {
	reg := NewRegistry()
	if err := reg.RegisterExpression("Acme", "GC * 0.9"); err != nil {
		t.Fatal(err)
	}
	if !reg.Has("acme") {
		t.Fatal("expected acme to be registered")
	}
	ev, err := reg.Evaluate("acme", d(1000), Inputs{})
	if err != nil {
		t.Fatal(err)
	}
	if !ev.NetCapital.Equal(d(900)) || ev.Template != "acme" {
		t.Errorf("got %+v", ev)
	}

	if err := reg.RegisterExpression("broken", "GC *"); err == nil {
		t.Error("expected an error for an invalid formula")
	}
	if reg.Has("broken") {
		t.Error("an invalid formula must not be registered")
	}
}

func TestTemplates_Sorted(t *testing.T) {
	infos := NewRegistry().Templates()
	if len(infos) == 0 {
		t.Fatal("expected built-in templates")
	}
	for i := 1; i < len(infos); i++ {
		if infos[i-1].Template >= infos[i].Template {
			t.Fatalf("not sorted at %d: %s >= %s", i, infos[i-1].Template, infos[i].Template)
		}
	}
	for _, info := range infos {
		if info.Template == TemplateOpenAI && info.Method != MethodComplex {
			t.Errorf("openai method: got %q", info.Method)
		}
	}
}

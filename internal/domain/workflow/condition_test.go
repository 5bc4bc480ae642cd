package workflow

import "testing"

func TestLookupPath(t *testing.T) {
	context := map[string]any{
		"amount": 500.0,
		"vendor": map[string]any{
			"country": "DE",
			"rating":  nil,
		},
	}

	tests := []struct {
		name string
		path string
		want any
	}{
		{"top level key", "amount", 500.0},
		{"nested key", "vendor.country", "DE"},
		{"present key with nil value", "vendor.rating", nil},
		{"missing top level", "currency", Undefined},
		{"missing nested", "vendor.city", Undefined},
		{"path through scalar", "amount.cents", Undefined},
		{"empty path", "", Undefined},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := LookupPath(context, tt.path)
			if IsUndefined(tt.want) {
				if !IsUndefined(got) {
					t.Errorf("LookupPath(%q) = %v, want Undefined", tt.path, got)
				}
				return
			}
			if got != tt.want {
				t.Errorf("LookupPath(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestLookupPath_NilContext(t *testing.T) {
	if !IsUndefined(LookupPath(nil, "amount")) {
		t.Error("expected Undefined for nil context")
	}
}

func TestEvaluate_Operators(t *testing.T) {
	context := map[string]any{
		"amount":   1500.0,
		"category": "construction",
		"tender": map[string]any{
			"country": "KE",
		},
	}

	tests := []struct {
		name string
		cond Condition
		want bool
	}{
		{"eq match", Condition{Field: "category", Operator: OpEq, Value: "construction"}, true},
		{"eq mismatch", Condition{Field: "category", Operator: OpEq, Value: "services"}, false},
		{"eq numeric cross-type", Condition{Field: "amount", Operator: OpEq, Value: 1500}, true},
		{"ne match", Condition{Field: "category", Operator: OpNe, Value: "services"}, true},
		{"gt true", Condition{Field: "amount", Operator: OpGt, Value: 1000}, true},
		{"gt false", Condition{Field: "amount", Operator: OpGt, Value: 2000}, false},
		{"gt equal is false", Condition{Field: "amount", Operator: OpGt, Value: 1500}, false},
		{"lt true", Condition{Field: "amount", Operator: OpLt, Value: 2000}, true},
		{"gte boundary", Condition{Field: "amount", Operator: OpGte, Value: 1500}, true},
		{"lte boundary", Condition{Field: "amount", Operator: OpLte, Value: 1500}, true},
		{"gt non-numeric actual", Condition{Field: "category", Operator: OpGt, Value: 10}, false},
		{"in match", Condition{Field: "tender.country", Operator: OpIn, Value: []any{"KE", "UG"}}, true},
		{"in mismatch", Condition{Field: "tender.country", Operator: OpIn, Value: []any{"TZ"}}, false},
		{"in string slice", Condition{Field: "tender.country", Operator: OpIn, Value: []string{"KE"}}, true},
		{"nin match", Condition{Field: "tender.country", Operator: OpNin, Value: []any{"TZ"}}, true},
		{"nin mismatch", Condition{Field: "tender.country", Operator: OpNin, Value: []any{"KE"}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate([]Condition{tt.cond}, context)
			if got != tt.want {
				t.Errorf("Evaluate(%+v) = %v, want %v", tt.cond, got, tt.want)
			}
		})
	}
}

// A missing context path fails every operator except ne/nin against a
// defined expected value.
func TestEvaluate_UndefinedField(t *testing.T) {
	context := map[string]any{"amount": 500.0}

	tests := []struct {
		op   Operator
		want bool
	}{
		{OpEq, false},
		{OpNe, true},
		{OpGt, false},
		{OpLt, false},
		{OpGte, false},
		{OpLte, false},
		{OpIn, false},
		{OpNin, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.op), func(t *testing.T) {
			cond := Condition{Field: "missing.path", Operator: tt.op, Value: "anything"}
			if got := Evaluate([]Condition{cond}, context); got != tt.want {
				t.Errorf("operator %s on undefined field = %v, want %v", tt.op, got, tt.want)
			}
		})
	}
}

func TestEvaluate_AndShortCircuit(t *testing.T) {
	context := map[string]any{"amount": 500.0, "category": "construction"}

	conds := []Condition{
		{Field: "amount", Operator: OpGt, Value: 1000},
		{Field: "category", Operator: Operator("bogus"), Value: "x"},
	}

	// First condition fails; the invalid second operator must never matter
	if Evaluate(conds, context) {
		t.Error("expected AND chain to fail on first condition")
	}
}

func TestEvaluate_EmptyConditions(t *testing.T) {
	if !Evaluate(nil, map[string]any{}) {
		t.Error("empty condition list must evaluate to true")
	}
}

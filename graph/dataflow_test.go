package graph

import "testing"

func TestDataFlowMapperNilIsEmpty(t *testing.T) {
	m := NewDataFlowMapper(nil)
	out := m.Apply(nil, map[string]interface{}{"a": 1})
	if len(out) != 0 {
		t.Fatalf("Apply(nil, ...) = %v, want empty map", out)
	}
}

func TestDataFlowMapperDottedPath(t *testing.T) {
	m := NewDataFlowMapper(nil)
	df := &DataFlow{Mappings: map[string]string{"summary": "report.summary"}}
	source := map[string]interface{}{"report": map[string]interface{}{"summary": "looks good"}}

	out := m.Apply(df, source)
	if out["summary"] != "looks good" {
		t.Fatalf("out[summary] = %v, want %q", out["summary"], "looks good")
	}
}

func TestDataFlowMapperLastSegmentFallback(t *testing.T) {
	m := NewDataFlowMapper(nil)
	df := &DataFlow{Mappings: map[string]string{"target": "missing.path.summary"}}
	source := map[string]interface{}{"summary": "fallback value"}

	out := m.Apply(df, source)
	if out["target"] != "fallback value" {
		t.Fatalf("out[target] = %v, want %q", out["target"], "fallback value")
	}
}

func TestDataFlowMapperLiteralFallback(t *testing.T) {
	m := NewDataFlowMapper(nil)
	df := &DataFlow{Mappings: map[string]string{"target": "totally.unresolvable.path"}}
	source := map[string]interface{}{"other": "x"}

	out := m.Apply(df, source)
	if out["target"] != "totally.unresolvable.path" {
		t.Fatalf("out[target] = %v, want literal expression string", out["target"])
	}
}

func TestDataFlowMapperTopLevelKey(t *testing.T) {
	m := NewDataFlowMapper(nil)
	df := &DataFlow{Mappings: map[string]string{"draft": "content"}}
	source := map[string]interface{}{"content": "draft text"}

	out := m.Apply(df, source)
	if out["draft"] != "draft text" {
		t.Fatalf("out[draft] = %v, want %q", out["draft"], "draft text")
	}
}

func TestDataFlowMapperTopLevelKeyLiteralFallback(t *testing.T) {
	m := NewDataFlowMapper(nil)
	df := &DataFlow{Mappings: map[string]string{"draft": "nonexistent"}}
	source := map[string]interface{}{"content": "draft text"}

	out := m.Apply(df, source)
	if out["draft"] != "nonexistent" {
		t.Fatalf("out[draft] = %v, want literal %q", out["draft"], "nonexistent")
	}
}

package onkostar

import (
	"testing"
	"time"
)

func TestProcedureValuesRoundTripKeepsTimestamps(t *testing.T) {
	now := time.Date(2023, 2, 16, 10, 30, 0, 123, time.UTC)
	p := NewProcedure(7)
	p.SetValue("datum", NewItem("datum", now))
	p.SetValue("note", NewItem("note", "ok"))

	raw, err := p.MarshalValues()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded Procedure
	if err := decoded.UnmarshalValues(raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	item, ok := decoded.Value("datum")
	if !ok {
		t.Fatalf("datum missing after decode")
	}
	got, ok := item.Time()
	if !ok || !got.Equal(now) {
		t.Fatalf("unexpected datum: %v (ok=%v)", got, ok)
	}
	if note, _ := decoded.Value("note"); note.String() != "ok" {
		t.Fatalf("unexpected note: %q", note.String())
	}
}

func TestCloneIsolatesValues(t *testing.T) {
	p := NewProcedure(1)
	p.SetValue("a", NewItem("a", 1))
	dup := p.Clone()
	dup.SetValue("b", NewItem("b", 2))
	if _, ok := p.Value("b"); ok {
		t.Fatalf("clone shares value map with original")
	}
	var nilProc *Procedure
	if nilProc.Clone() != nil {
		t.Fatalf("nil clone should stay nil")
	}
}

func TestRequirementSatisfied(t *testing.T) {
	p, d := &Procedure{}, &Disease{}
	cases := []struct {
		req  AnalyzerRequirement
		p    *Procedure
		d    *Disease
		want bool
	}{
		{RequirementProcedure, p, nil, true},
		{RequirementProcedure, nil, d, false},
		{RequirementDisease, nil, d, true},
		{RequirementDisease, p, nil, false},
		{RequirementProcedureOrDisease, nil, d, true},
		{RequirementProcedureOrDisease, nil, nil, false},
		{AnalyzerRequirement("OTHER"), p, d, false},
	}
	for _, tc := range cases {
		if got := tc.req.Satisfied(tc.p, tc.d); got != tc.want {
			t.Fatalf("%s.Satisfied(%v, %v) = %v, want %v", tc.req, tc.p != nil, tc.d != nil, got, tc.want)
		}
	}
}

func TestParseTriggerEvent(t *testing.T) {
	ev, err := ParseTriggerEvent(" edit_save ")
	if err != nil || ev != EventEditSave {
		t.Fatalf("unexpected parse result: %q, %v", ev, err)
	}
	if _, err := ParseTriggerEvent("SAVE"); err == nil {
		t.Fatalf("expected error for unknown event")
	}
}

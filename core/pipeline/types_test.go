package pipeline

import (
	"errors"
	"testing"
)

func TestRequestValidate(t *testing.T) {
	workflow := map[string]interface{}{"1": map[string]interface{}{}}

	cases := []struct {
		name string
		req  Request
		want error
	}{
		{"workflow only", Request{Workflow: workflow}, nil},
		{"modifier only", Request{Modifier: "Image2Image"}, nil},
		{"modifier with mods", Request{Modifier: "Image2Image", Modifications: map[string]interface{}{"seed": 1}}, nil},
		{"both", Request{Workflow: workflow, Modifier: "Image2Image"}, ErrWorkflowAndModifier},
		{"neither", Request{}, ErrNoWorkflowOrModifier},
		{"mods without modifier", Request{Workflow: workflow, Modifications: map[string]interface{}{"seed": 1}}, ErrModificationsWithoutModifier},
	}
	for _, tc := range cases {
		if err := tc.req.Validate(); !errors.Is(err, tc.want) {
			t.Errorf("%s: err = %v, want %v", tc.name, err, tc.want)
		}
	}
}

func TestStatusTerminal(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{StatusQueued, StatusProcessing, StatusGenerating, StatusGenerated} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestNewResult(t *testing.T) {
	r := NewResult("abc")
	if r.ID != "abc" || r.Status != StatusQueued || r.Message != "Request queued" {
		t.Errorf("initial result = %+v", r)
	}
}

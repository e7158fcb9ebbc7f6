package price

import (
	"errors"
	"testing"
	"time"
)

var now = time.Unix(1700000000, 0)

func TestParseUpdate(t *testing.T) {
	tests := []struct {
		name        string
		payload     string
		wantBase    *float64
		wantDynamic *float64
	}{
		{"both prices", "p_b=1.5 p_d=2", ptr(1.5), ptr(2)},
		{"quoted value", `p_b="0.25"  p_d='3'`, ptr(0.25), ptr(3)},
		{"only dynamic", "p_d=4e-6", nil, ptr(4e-6)},
		{"unknown keys ignored", "foo=bar p_b=1 epoch=12", ptr(1), nil},
		{"empty payload", "", nil, nil},
		{"free base capacity", "p_b=0 p_d=1", ptr(0), ptr(1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := ParseUpdate([]byte(tt.payload))
			if err != nil {
				t.Fatalf("ParseUpdate(%q) failed: %v", tt.payload, err)
			}
			if !equalPtr(u.Base, tt.wantBase) {
				t.Errorf("Expected base %v, got %v", deref(tt.wantBase), deref(u.Base))
			}
			if !equalPtr(u.Dynamic, tt.wantDynamic) {
				t.Errorf("Expected dynamic %v, got %v", deref(tt.wantDynamic), deref(u.Dynamic))
			}
		})
	}
}

func TestParseUpdate_Malformed(t *testing.T) {
	payloads := []string{
		"p_b",
		"=3",
		"p_b=abc",
		"p_d=0",
		"p_b=-1",
		"p_d=NaN",
		"p_b=+Inf",
		`p_b="1`,
	}
	for _, payload := range payloads {
		if _, err := ParseUpdate([]byte(payload)); !errors.Is(err, ErrMalformedToken) {
			t.Errorf("ParseUpdate(%q): expected ErrMalformedToken, got %v", payload, err)
		}
	}
}

func TestUpdate_Apply(t *testing.T) {
	s := NewSignal(1, 10, now)

	if (Update{}).Apply(s, now.Add(time.Second)) {
		t.Errorf("An empty update should not apply")
	}
	if !s.UpdatedAt.Equal(now) {
		t.Errorf("UpdatedAt should not move for an empty update")
	}

	later := now.Add(time.Minute)
	if !(Update{Dynamic: ptr(20)}).Apply(s, later) {
		t.Fatalf("Expected update to apply")
	}
	if s.Base != 1 {
		t.Errorf("Missing key should keep the previous base price, got %f", s.Base)
	}
	if s.Dynamic != 20 {
		t.Errorf("Expected dynamic price 20, got %f", s.Dynamic)
	}
	if !s.UpdatedAt.Equal(later) {
		t.Errorf("Expected UpdatedAt %v, got %v", later, s.UpdatedAt)
	}
	if s.Ratio() != 0.05 {
		t.Errorf("Expected ratio 0.05, got %f", s.Ratio())
	}
}

func TestFormat(t *testing.T) {
	if got := string(FormatDemand(2.5)); got != "c_i=2.5" {
		t.Errorf("FormatDemand = %q", got)
	}
	if got := string(FormatPlan(1, 10)); got != "c_b=1 c_d=10" {
		t.Errorf("FormatPlan = %q", got)
	}
	if got := (Update{Base: ptr(1), Dynamic: ptr(0.5)}).String(); got != "p_b=1 p_d=0.5" {
		t.Errorf("Update.String = %q", got)
	}
}

func TestFormatPlan_ParsesBack(t *testing.T) {
	// Plans travel with the same tokenizer as price messages.
	u, err := ParseUpdate(FormatPlan(3.9, 30))
	if err != nil {
		t.Fatalf("ParseUpdate failed: %v", err)
	}
	if !u.Empty() {
		t.Errorf("Plan keys are not prices and should be ignored, got %s", u)
	}
}

func ptr(v float64) *float64 { return &v }

func deref(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

func equalPtr(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

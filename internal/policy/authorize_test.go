package policy

import "testing"

func TestAllowlist(t *testing.T) {
	p := NewCallerPolicy([]string{"+1 (555) 123-0000", "+44207*", " "})

	cases := []struct {
		caller string
		want   bool
	}{
		{"+15551230000", true},
		{"15551230000", true},
		{"+15559999999", false},
		{"+442071234567", true},
		{"anonymous", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := p.Allow(tc.caller); got != tc.want {
			t.Fatalf("Allow(%q) = %v, want %v", tc.caller, got, tc.want)
		}
	}
}

func TestEmptyAllowlistAllowsEveryone(t *testing.T) {
	p := NewCallerPolicy(nil)
	if _, ok := p.(AllowAll); !ok {
		t.Fatalf("NewCallerPolicy(nil) = %T, want AllowAll", p)
	}
	if !p.Allow("anonymous") {
		t.Fatalf("AllowAll rejected a caller")
	}
}

func TestMaskCallerID(t *testing.T) {
	if got := MaskCallerID("+1 555 123 9876"); got != "*******9876" {
		t.Fatalf("MaskCallerID() = %q, want %q", got, "*******9876")
	}
	if got := MaskCallerID("12"); got != "**" {
		t.Fatalf("MaskCallerID() = %q, want %q", got, "**")
	}
}

package policy

import (
	"strings"
	"testing"
)

func TestRedactPII(t *testing.T) {
	input := "Email me at sam@example.com or +1 (555) 123-9876 and use 4242 4242 4242 4242."
	out, changed := RedactPII(input)
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	for _, marker := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_CARD]"} {
		if !strings.Contains(out, marker) {
			t.Fatalf("output missing marker %q: %q", marker, out)
		}
	}
}

func TestRedactPIISpokenDigits(t *testing.T) {
	out, changed := RedactPII("my number is five five five one two three four nine thanks")
	if !changed || !strings.Contains(out, "[REDACTED_NUMBER]") {
		t.Fatalf("RedactPII() = %q, %v; want spoken digits masked", out, changed)
	}
	if !strings.HasSuffix(out, "thanks") {
		t.Fatalf("RedactPII() = %q, want trailing words kept", out)
	}
}

func TestRedactPIILeavesPlainSpeech(t *testing.T) {
	in := "What's the weather like in two days?"
	out, changed := RedactPII(in)
	if changed || out != in {
		t.Fatalf("RedactPII() = %q, %v; want unchanged", out, changed)
	}
}

package agenttrail

import "testing"

// TestFingerprint_Stability: fingerprint(x) == fingerprint(y) whenever x
// and y share a canonical tagged form, and never equal across differing
// type tags.
func TestFingerprint_Stability(t *testing.T) {
	t.Run("identical args produce identical fingerprints", func(t *testing.T) {
		in := reserveIn{Email: "a@x", Cents: 100}
		a := Fingerprint("reserve", PhaseForward, []any{in}, nil)
		b := Fingerprint("reserve", PhaseForward, []any{in}, nil)
		if a != b {
			t.Fatalf("fingerprint not stable: %q != %q", a, b)
		}
		if len(a) != 64 {
			t.Fatalf("want 64 hex chars, got %d", len(a))
		}
	})

	t.Run("int and string of the same digits never collide", func(t *testing.T) {
		a := Fingerprint("step", PhaseForward, []any{1}, nil)
		b := Fingerprint("step", PhaseForward, []any{"1"}, nil)
		if a == b {
			t.Fatalf("int 1 and string %q must not share a fingerprint", "1")
		}
	})

	t.Run("step name and phase both participate", func(t *testing.T) {
		in := reserveIn{Email: "a@x", Cents: 100}
		forward := Fingerprint("reserve", PhaseForward, []any{in}, nil)
		comp := Fingerprint("reserve", PhaseCompensation, []any{in}, nil)
		renamed := Fingerprint("reserve2", PhaseForward, []any{in}, nil)
		if forward == comp || forward == renamed || comp == renamed {
			t.Fatalf("fingerprints must differ across phase and step name")
		}
	})

	t.Run("map key order does not affect the fingerprint", func(t *testing.T) {
		a := Fingerprint("step", PhaseForward, nil, map[string]any{"a": 1, "b": 2})
		b := Fingerprint("step", PhaseForward, nil, map[string]any{"b": 2, "a": 1})
		if a != b {
			t.Fatalf("map key order should not matter: %q != %q", a, b)
		}
	})
}

package acpxerr

import "testing"

func TestExitCodeFor(t *testing.T) {
	cases := []struct {
		kind Kind
		want int
	}{
		{KindUsage, ExitUsage},
		{KindNoSession, ExitNoSession},
		{KindTimeout, ExitTimeout},
		{KindPermissionDenied, ExitPermissionDenied},
		{KindRuntime, ExitError},
	}
	for _, c := range cases {
		if got := ExitCodeFor(c.kind); got != c.want {
			t.Errorf("ExitCodeFor(%s) = %d, want %d", c.kind, got, c.want)
		}
	}
}

func TestFromACPError_SessionNotFound(t *testing.T) {
	for _, code := range []int{-32001, -32002} {
		e := FromACPError(code, "boom", nil)
		if e.OutputCode != KindNoSession {
			t.Errorf("code %d: got %s, want NO_SESSION", code, e.OutputCode)
		}
	}

	e := FromACPError(-32600, "Session Not Found: abc", nil)
	if e.OutputCode != KindNoSession {
		t.Errorf("message match: got %s, want NO_SESSION", e.OutputCode)
	}

	e = FromACPError(-32600, "invalid request", nil)
	if e.OutputCode != KindRuntime {
		t.Errorf("unrelated error: got %s, want RUNTIME", e.OutputCode)
	}
}

func TestIsFallbackEligible(t *testing.T) {
	if !IsFallbackEligible(-32002, "") {
		t.Error("expected -32002 to be fallback-eligible")
	}
	if !IsFallbackEligible(0, "Session not found") {
		t.Error("expected session-not-found message to be fallback-eligible")
	}
	if IsFallbackEligible(-32600, "invalid params") {
		t.Error("expected unrelated error to not be fallback-eligible")
	}
}

func TestErrorUnwrap(t *testing.T) {
	inner := Runtime("test", "X", nil)
	wrapped := &Error{OutputCode: KindRuntime, DetailCode: "Y", Err: inner}
	if wrapped.Unwrap() != inner {
		t.Error("Unwrap did not return the wrapped error")
	}
}

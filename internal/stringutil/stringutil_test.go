package stringutil

import "testing"

func TestTruncateString(t *testing.T) {
	if got := TruncateString("hello", 10); got != "hello" {
		t.Errorf("got %q", got)
	}
	if got := TruncateString("hello world", 5); got != "hello" {
		t.Errorf("got %q", got)
	}
}

func TestTruncateStringWithEllipsis(t *testing.T) {
	if got := TruncateStringWithEllipsis("hello", 10); got != "hello" {
		t.Errorf("got %q", got)
	}
	if got := TruncateStringWithEllipsis("hello world", 8); got != "hello..." {
		t.Errorf("got %q", got)
	}
	if got := TruncateStringWithEllipsis("hello world", 2); got != "he" {
		t.Errorf("got %q", got)
	}
}

func TestTruncatePreview(t *testing.T) {
	content := "line1\nline2\nline3\nline4"
	preview, truncated := TruncatePreview(content, 2, 1200)
	if preview != "line1\nline2" {
		t.Errorf("got %q", preview)
	}
	if !truncated {
		t.Error("expected truncated=true")
	}

	preview, truncated = TruncatePreview("short", 16, 1200)
	if preview != "short" || truncated {
		t.Errorf("got %q truncated=%v", preview, truncated)
	}

	long := make([]byte, 2000)
	for i := range long {
		long[i] = 'a'
	}
	preview, truncated = TruncatePreview(string(long), 16, 1200)
	if len(preview) != 1200 || !truncated {
		t.Errorf("got len=%d truncated=%v", len(preview), truncated)
	}
}

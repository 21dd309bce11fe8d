package runtime

import (
	"testing"
)

func TestRenderArgsSubstitutesPort(t *testing.T) {
	args := renderArgs([]string{"-e", "runtime::start({port})", "--port={port}"}, 8123)
	if args[0] != "-e" {
		t.Errorf("untouched arg changed: %q", args[0])
	}
	if args[1] != "runtime::start(8123)" {
		t.Errorf("placeholder not substituted: %q", args[1])
	}
	if args[2] != "--port=8123" {
		t.Errorf("placeholder not substituted: %q", args[2])
	}
}

func TestRenderArgsEmpty(t *testing.T) {
	if got := renderArgs(nil, 8123); got != nil {
		t.Errorf("expected nil, got %v", got)
	}
}

func TestPickPortReturnsUsablePort(t *testing.T) {
	first, err := pickPort()
	if err != nil {
		t.Fatalf("pickPort failed: %v", err)
	}
	if first <= 0 || first > 65535 {
		t.Fatalf("port out of range: %d", first)
	}
}

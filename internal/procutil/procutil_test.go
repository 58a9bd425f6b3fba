//go:build linux

package procutil

import (
	"os"
	"testing"

	"golang.org/x/sys/unix"
)

func TestParentAlive(t *testing.T) {
	if !ParentAlive(unix.Getppid()) {
		t.Fatal("expected ParentAlive to be true for our actual parent")
	}
	if ParentAlive(unix.Getppid() + 12345) {
		t.Fatal("expected ParentAlive to be false for a bogus pid")
	}
}

func TestReExecSelfBuildsCommand(t *testing.T) {
	cmd, err := ReExecSelf([]string{"-role=child"}, nil)
	if err != nil {
		t.Fatalf("ReExecSelf: %v", err)
	}
	self, _ := os.Executable()
	if cmd.Path != self {
		t.Fatalf("cmd.Path = %q, want %q", cmd.Path, self)
	}
	if len(cmd.Args) != 2 || cmd.Args[1] != "-role=child" {
		t.Fatalf("unexpected args: %v", cmd.Args)
	}
}

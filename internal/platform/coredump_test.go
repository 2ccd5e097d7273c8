//go:build unix

package platform

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestDisableCoreDumps(t *testing.T) {
	if err := DisableCoreDumps(); err != nil {
		t.Fatalf("DisableCoreDumps: %v", err)
	}
	var rlim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_CORE, &rlim); err != nil {
		t.Fatalf("Getrlimit: %v", err)
	}
	if rlim.Cur != 0 {
		t.Fatalf("RLIMIT_CORE cur = %d, want 0", rlim.Cur)
	}
}

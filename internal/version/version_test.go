package version

import (
	"strings"
	"testing"
)

func TestResolveUnstampedBuild(t *testing.T) {
	info := Resolve()
	if info.Version == "" {
		t.Fatal("resolved version must never be empty")
	}
	if !strings.HasPrefix(info.Version, "dev-") {
		t.Fatalf("unstamped build must synthesize a dev version, got %q", info.Version)
	}
}

func TestStringShortensCommit(t *testing.T) {
	Version = "v1.2.3"
	Commit = "0123456789abcdef0123"
	defer func() { Version, Commit = "", "" }()

	got := String()
	if got != "v1.2.3 (0123456789ab)" {
		t.Fatalf("got %q", got)
	}
}

func TestStringWithoutCommit(t *testing.T) {
	Version = "v0.9.0"
	defer func() { Version = "" }()

	if got := String(); got != "v0.9.0" {
		t.Fatalf("got %q", got)
	}
}

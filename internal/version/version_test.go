package version

import (
	"strings"
	"testing"
)

func TestGetUsesInjectedValues(t *testing.T) {
	oldV, oldC, oldD := Version, Commit, BuildDate
	t.Cleanup(func() { Version, Commit, BuildDate = oldV, oldC, oldD })

	Version, Commit, BuildDate = "1.4.0", "abc123", "2024-05-01"
	info := Get()
	if info.Version != "1.4.0" || info.Commit != "abc123" || info.BuildDate != "2024-05-01" {
		t.Fatalf("info = %+v", info)
	}
	if info.GoVersion == "" {
		t.Fatal("go version missing")
	}
	if s := info.String(); !strings.Contains(s, "1.4.0") || !strings.Contains(s, "abc123") {
		t.Fatalf("String() = %q", s)
	}
}

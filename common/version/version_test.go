package version

import "testing"

func TestInfo(t *testing.T) {
	prevV, prevC, prevB := Version, GitCommit, BuildTime
	t.Cleanup(func() { Version, GitCommit, BuildTime = prevV, prevC, prevB })

	Version, GitCommit, BuildTime = "v1.2.3", "abc123", "2026-01-01T00:00:00Z"
	want := "kioku v1.2.3 (abc123) built at 2026-01-01T00:00:00Z"
	if got := Info("kioku"); got != want {
		t.Errorf("Info() = %q, want %q", got, want)
	}
}

package agent

import (
	"strings"
	"testing"
)

func TestDetectEnvironment(t *testing.T) {
	env := DetectEnvironment()

	if env.OSName == "" {
		t.Error("OSName should be populated")
	}
	if env.Shell == "" {
		t.Error("Shell should fall back to sh when unset")
	}
	if env.WorkingDir == "" {
		t.Error("WorkingDir should be populated")
	}
}

func TestDetectEnvironmentSnapshotsAreIndependent(t *testing.T) {
	first := DetectEnvironment()
	second := DetectEnvironment()

	// Each call builds a fresh value; mutating one snapshot must not
	// leak into another held elsewhere.
	first.Shell = "mutated"
	first.AvailableExecutables = append(first.AvailableExecutables, "mutated-exe")

	if second.Shell == "mutated" {
		t.Error("snapshots share state")
	}
	for _, exe := range second.AvailableExecutables {
		if exe == "mutated-exe" {
			t.Error("executable list shared between snapshots")
		}
	}
}

func TestEnvironmentDescribe(t *testing.T) {
	env := Environment{
		OSName:               "linux",
		OSVersion:            "6.1",
		Shell:                "bash",
		WorkingDir:           "/work",
		AvailableExecutables: []string{"git", "go"},
	}
	got := env.Describe()
	for _, want := range []string{"OS: linux 6.1", "Shell: bash", "Working directory: /work", "git, go"} {
		if !strings.Contains(got, want) {
			t.Errorf("Describe() missing %q:\n%s", want, got)
		}
	}
}

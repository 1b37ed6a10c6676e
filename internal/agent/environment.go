package agent

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
)

// Environment is a snapshot of the host the agent operates in. It is
// injected into the system prompt so the model can pick commands that
// actually exist instead of rediscovering the machine by trial and error.
type Environment struct {
	OSName               string
	OSVersion            string
	Shell                string
	WorkingDir           string
	AvailableExecutables []string
}

// probeExecutables is the fixed set of common tools we check for on PATH.
var probeExecutables = []string{
	"git", "make", "go", "python3", "node", "npm", "cargo",
	"docker", "rg", "curl", "tar", "sed", "awk",
}

// DetectEnvironment probes the host. Callers probe once at startup and
// pass the snapshot into the components that need it; there is no
// ambient cache.
func DetectEnvironment() Environment {
	env := Environment{
		OSName:    runtime.GOOS,
		OSVersion: osVersion(),
		Shell:     os.Getenv("SHELL"),
	}
	if env.Shell == "" {
		env.Shell = "sh"
	}
	if wd, err := os.Getwd(); err == nil {
		env.WorkingDir = wd
	}
	for _, name := range probeExecutables {
		if _, err := exec.LookPath(name); err == nil {
			env.AvailableExecutables = append(env.AvailableExecutables, name)
		}
	}
	return env
}

func osVersion() string {
	// Best effort; uname is available on every platform we target.
	out, err := exec.Command("uname", "-r").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// Describe renders the environment for the system prompt.
func (e Environment) Describe() string {
	var b strings.Builder
	fmt.Fprintf(&b, "OS: %s", e.OSName)
	if e.OSVersion != "" {
		fmt.Fprintf(&b, " %s", e.OSVersion)
	}
	fmt.Fprintf(&b, "\nShell: %s", e.Shell)
	if e.WorkingDir != "" {
		fmt.Fprintf(&b, "\nWorking directory: %s", e.WorkingDir)
	}
	if len(e.AvailableExecutables) > 0 {
		fmt.Fprintf(&b, "\nAvailable executables: %s", strings.Join(e.AvailableExecutables, ", "))
	}
	return b.String()
}

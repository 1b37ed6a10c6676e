package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// buildFiles are well-known project markers reported by project_context.
var buildFiles = []string{
	"go.mod", "package.json", "Cargo.toml", "pyproject.toml",
	"requirements.txt", "Makefile", "CMakeLists.txt", "pom.xml",
	"build.gradle", "Gemfile", "Dockerfile",
}

// ProjectContext summarizes the workspace so the model can orient itself
// without a round of exploratory tool calls.
func (ft *FileTools) ProjectContext(ctx context.Context) (string, error) {
	root, err := ft.resolvePath(".")
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Workspace: %s\n", root)

	if _, err := os.Stat(filepath.Join(root, ".git")); err == nil {
		b.WriteString("Version control: git\n")
	}

	var found []string
	for _, f := range buildFiles {
		if _, err := os.Stat(filepath.Join(root, f)); err == nil {
			found = append(found, f)
		}
	}
	if len(found) > 0 {
		fmt.Fprintf(&b, "Build files: %s\n", strings.Join(found, ", "))
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return "", fmt.Errorf("read workspace: %w", err)
	}

	var dirs, files []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		if e.IsDir() {
			dirs = append(dirs, name+"/")
		} else {
			files = append(files, name)
		}
	}
	sort.Strings(dirs)
	sort.Strings(files)

	const maxListed = 40
	listed := append(dirs, files...)
	if len(listed) > maxListed {
		listed = listed[:maxListed]
		listed = append(listed, fmt.Sprintf("[... %d more entries ...]", len(dirs)+len(files)-maxListed))
	}
	b.WriteString("Top-level entries:\n")
	for _, name := range listed {
		b.WriteString("  " + name + "\n")
	}

	return b.String(), nil
}

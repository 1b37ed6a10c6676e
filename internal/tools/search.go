package tools

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// searchMaxMatches caps how many matches a single search returns.
const searchMaxMatches = 100

// searchMaxFileSize skips files larger than this (likely generated or binary).
const searchMaxFileSize = 2 << 20

// Match is a single search hit.
type Match struct {
	Path string
	Line int
	Text string
}

// SearchText scans files under the workspace for lines containing query
// (case-insensitive). Hidden directories and obviously binary files are
// skipped. Results are capped at searchMaxMatches.
func (ft *FileTools) SearchText(ctx context.Context, query, subdir string) ([]Match, error) {
	if query == "" {
		return nil, fmt.Errorf("query cannot be empty")
	}

	root, err := ft.resolvePath(subdir)
	if err != nil {
		return nil, err
	}

	queryLower := strings.ToLower(query)
	var matches []Match

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable entries are skipped, not fatal.
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		name := d.Name()
		if d.IsDir() {
			if name != "." && (strings.HasPrefix(name, ".") || name == "node_modules" || name == "vendor") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") {
			return nil
		}
		if info, err := d.Info(); err != nil || info.Size() > searchMaxFileSize {
			return nil
		}

		found, err := searchFile(path, queryLower, root, &matches)
		if err != nil {
			return nil
		}
		if found && len(matches) >= searchMaxMatches {
			return fs.SkipAll
		}
		return nil
	})
	if walkErr != nil && walkErr != fs.SkipAll && ctx.Err() == nil {
		return nil, fmt.Errorf("search: %w", walkErr)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	return matches, nil
}

// searchFile appends matching lines from one file. Returns whether any
// match was found.
func searchFile(path, queryLower, root string, matches *[]Match) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	// Sniff the first chunk for NUL bytes to skip binaries.
	head := make([]byte, 512)
	n, _ := f.Read(head)
	if bytes.IndexByte(head[:n], 0) != -1 {
		return false, nil
	}
	if _, err := f.Seek(0, 0); err != nil {
		return false, err
	}

	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = path
	}

	found := false
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if strings.Contains(strings.ToLower(line), queryLower) {
			found = true
			*matches = append(*matches, Match{
				Path: rel,
				Line: lineNo,
				Text: strings.TrimSpace(line),
			})
			if len(*matches) >= searchMaxMatches {
				return true, nil
			}
		}
	}
	return found, scanner.Err()
}

// FormatMatches renders matches for the model.
func FormatMatches(query string, matches []Match) string {
	if len(matches) == 0 {
		return fmt.Sprintf("No matches for %q", query)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Found %d match(es) for %q:\n", len(matches), query)
	for _, m := range matches {
		fmt.Fprintf(&b, "%s:%d: %s\n", m.Path, m.Line, m.Text)
	}
	if len(matches) >= searchMaxMatches {
		b.WriteString("[... result cap reached, narrow the query for more ...]\n")
	}
	return b.String()
}

// Package stack implements Stack Specs & File Manifest guardrails (spec
// §4.8): a registry of named stack layouts, a parser for the engineer
// agent's FILE manifest output, and path/structure/constraint validation
// applied before any file is written.
package stack

import (
	"strings"

	"github.com/mgxai/fabric/ferrors"
)

// File is one manifest entry: a project-relative path and its full content.
type File struct {
	Path    string
	Content string
}

const fileMarker = "FILE: "

// ParseManifest splits an engineer agent's raw output into Files. Each
// entry begins with a line "FILE: <relative path>"; its content runs until
// the next FILE marker or end of input. Text before the first marker is
// ignored (agents often preface the manifest with prose).
func ParseManifest(raw string) []File {
	lines := strings.Split(raw, "\n")
	var files []File
	var current *File
	var body []string

	flush := func() {
		if current != nil {
			current.Content = strings.TrimSuffix(strings.Join(body, "\n"), "\n")
			files = append(files, *current)
		}
	}

	for _, line := range lines {
		if path, ok := strings.CutPrefix(line, fileMarker); ok {
			flush()
			current = &File{Path: strings.TrimSpace(path)}
			body = nil
			continue
		}
		if current != nil {
			body = append(body, line)
		}
	}
	flush()
	return files
}

// ValidatePath rejects absolute paths, parent-directory traversal, and any
// path that would resolve outside the project root (spec §4.8 guardrail).
func ValidatePath(path string) error {
	if path == "" {
		return ferrors.New(ferrors.KindInvalidInput, "stack.ValidatePath", "path is empty")
	}
	if strings.HasPrefix(path, "/") || strings.HasPrefix(path, "\\") {
		return ferrors.New(ferrors.KindInvalidInput, "stack.ValidatePath", "absolute paths are not allowed").
			WithDetails(map[string]any{"path": path})
	}
	for _, seg := range strings.Split(filepathSlashes(path), "/") {
		if seg == ".." {
			return ferrors.New(ferrors.KindInvalidInput, "stack.ValidatePath", "parent directory traversal is not allowed").
				WithDetails(map[string]any{"path": path})
		}
	}
	return nil
}

// filepathSlashes normalizes backslashes so ValidatePath's segment check
// catches traversal regardless of the separator an agent emitted.
func filepathSlashes(path string) string {
	return strings.ReplaceAll(path, "\\", "/")
}

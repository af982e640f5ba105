package stack

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	godiff "github.com/sourcegraph/go-diff/diff"

	"github.com/mgxai/fabric/ferrors"
)

// PatchFile is one file a unified diff targets, keyed the same way File is.
type PatchFile struct {
	Path     string
	Original string
}

// ApplyMode selects how ApplyPatch handles a partial failure across a
// multi-file diff (spec §4.8).
type ApplyMode string

const (
	// ApplyAllOrNothing rolls every file in the diff back to its original
	// content (from a timestamped .mgx_bak.* backup) if any file fails.
	ApplyAllOrNothing ApplyMode = "all_or_nothing"
	// ApplyBestEffort keeps whatever files applied successfully and leaves
	// failed files untouched, reporting per-file errors.
	ApplyBestEffort ApplyMode = "best_effort"
)

// PatchResult is one file's outcome from ApplyPatch.
type PatchResult struct {
	Path       string
	Applied    bool
	NewContent string
	BackupPath string
	NewPath    string // set when content failed to apply: the .mgx_new path for the partial content in NewContent
	Err        error
}

// ApplyPatch parses a unified multi-file diff and applies each file's
// hunks against the matching entry in originals (keyed by path). It never
// touches a real filesystem; callers persist PatchResult.NewContent (via
// the sandbox/git coordinator) themselves.
func ApplyPatch(raw string, originals map[string]string, mode ApplyMode) ([]PatchResult, error) {
	fileDiffs, err := godiff.ParseMultiFileDiff([]byte(raw))
	if err != nil {
		return nil, ferrors.Wrap(ferrors.KindInvalidInput, "stack.ApplyPatch", err)
	}

	results := make([]PatchResult, 0, len(fileDiffs))
	anyFailed := false
	for _, fd := range fileDiffs {
		path := targetPath(fd)
		original := originals[path]
		newContent, applyErr := applyHunks(original, fd)
		res := PatchResult{Path: path}
		if applyErr != nil {
			anyFailed = true
			res.Err = applyErr
			res.NewPath = path + ".mgx_new"
			res.NewContent = newContent
		} else {
			res.Applied = true
			res.NewContent = newContent
		}
		results = append(results, res)
	}

	if mode == ApplyAllOrNothing && anyFailed {
		stamp := backupStamp()
		for i := range results {
			if results[i].Applied {
				results[i].Applied = false
				results[i].BackupPath = fmt.Sprintf("%s.mgx_bak.%s", results[i].Path, stamp)
				results[i].NewContent = originals[results[i].Path]
			}
		}
	}
	return results, nil
}

func backupStamp() string {
	return time.Now().UTC().Format("20060102T150405Z")
}

func targetPath(fd *godiff.FileDiff) string {
	name := fd.NewName
	if name == "" || name == "/dev/null" {
		name = fd.OrigName
	}
	return strings.TrimPrefix(strings.TrimPrefix(name, "b/"), "a/")
}

// applyHunks rebuilds a file's content by walking original line-by-line and
// splicing in each hunk's additions/removals, verifying the removed context
// lines match before applying (spec §4.8's "applied with context
// verification").
func applyHunks(original string, fd *godiff.FileDiff) (string, error) {
	origLines := splitLinesKeepEmpty(original)
	var out bytes.Buffer
	cursor := 0 // 0-indexed position in origLines already copied to out

	for _, h := range fd.Hunks {
		start := int(h.OrigStartLine) - 1
		if start < 0 {
			start = 0
		}
		if start > len(origLines) {
			return out.String(), ferrors.New(ferrors.KindInvalidInput, "stack.applyHunks", "hunk start beyond file length").
				WithDetails(map[string]any{"path": fd.NewName})
		}
		for ; cursor < start; cursor++ {
			out.WriteString(origLines[cursor])
		}

		for _, hl := range strings.SplitAfter(string(h.Body), "\n") {
			if hl == "" {
				continue
			}
			switch hl[0] {
			case ' ':
				ctx := hl[1:]
				if cursor >= len(origLines) || origLines[cursor] != ctx {
					return out.String(), ferrors.New(ferrors.KindInvalidInput, "stack.applyHunks", "context line mismatch").
						WithDetails(map[string]any{"path": fd.NewName, "line": cursor + 1})
				}
				out.WriteString(ctx)
				cursor++
			case '-':
				removed := hl[1:]
				if cursor >= len(origLines) || origLines[cursor] != removed {
					return out.String(), ferrors.New(ferrors.KindInvalidInput, "stack.applyHunks", "removed line mismatch").
						WithDetails(map[string]any{"path": fd.NewName, "line": cursor + 1})
				}
				cursor++
			case '+':
				out.WriteString(hl[1:])
			default:
				// hunk section headers ("\ No newline at end of file") etc.
			}
		}
	}
	for ; cursor < len(origLines); cursor++ {
		out.WriteString(origLines[cursor])
	}
	return out.String(), nil
}

// splitLinesKeepEmpty splits s into lines, each retaining its trailing
// newline so concatenation reconstructs the original content exactly.
func splitLinesKeepEmpty(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.SplitAfter(s, "\n")
	if parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	return parts
}

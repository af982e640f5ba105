package stack

import (
	"strings"

	"github.com/mgxai/fabric/ferrors"
)

// Constraint is a keyword check applied to a file's content: every Require
// substring must be present (one error per missing substring) and every
// Forbid substring must be absent (one error per substring present).
type Constraint struct {
	Path    string // file the constraint applies to; "" matches every file
	Require []string
	Forbid  []string
}

// Spec describes one named stack's expected layout and restrictions (spec
// §4.8: "stack specs are data, not code").
type Spec struct {
	Name            string `yaml:"name"`
	TestFramework   string `yaml:"test_framework"`
	PackageManager  string `yaml:"package_manager"`
	ExpectedFiles   []string `yaml:"expected_files"`
	AllowedExts     []string `yaml:"allowed_extensions"`
	Constraints     []Constraint `yaml:"constraints"`
}

// Registry holds loaded Specs keyed by name.
type Registry struct {
	specs map[string]Spec
}

// NewRegistry builds a Registry from a set of Specs. The package ships no
// Spec records or fixture files of its own.
func NewRegistry(specs ...Spec) *Registry {
	r := &Registry{specs: make(map[string]Spec, len(specs))}
	for _, s := range specs {
		r.specs[s.Name] = s
	}
	return r
}

// Get returns the named Spec, or ok=false if unregistered.
func (r *Registry) Get(name string) (Spec, bool) {
	s, ok := r.specs[name]
	return s, ok
}

// ValidateStructure checks that every file the Spec expects is present
// among files and flags any file whose extension isn't in AllowedExts (when
// the list is non-empty).
func ValidateStructure(spec Spec, files []File) []error {
	present := make(map[string]bool, len(files))
	for _, f := range files {
		present[f.Path] = true
	}

	var errs []error
	for _, expected := range spec.ExpectedFiles {
		if !present[expected] {
			errs = append(errs, ferrors.New(ferrors.KindInvalidInput, "stack.ValidateStructure", "expected file missing for stack "+spec.Name).
				WithDetails(map[string]any{"stack": spec.Name, "path": expected}))
		}
	}
	if len(spec.AllowedExts) > 0 {
		for _, f := range files {
			if !hasAllowedExt(f.Path, spec.AllowedExts) {
				errs = append(errs, ferrors.New(ferrors.KindInvalidInput, "stack.ValidateStructure", "unexpected file extension for stack "+spec.Name).
					WithDetails(map[string]any{"stack": spec.Name, "path": f.Path}))
			}
		}
	}
	return errs
}

func hasAllowedExt(path string, exts []string) bool {
	for _, ext := range exts {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}
	return false
}

// ValidateConstraints applies every Constraint in spec against files,
// matching by exact path (or every file when Constraint.Path is empty).
func ValidateConstraints(spec Spec, files []File) []error {
	var errs []error
	for _, c := range spec.Constraints {
		for _, f := range files {
			if c.Path != "" && c.Path != f.Path {
				continue
			}
			for _, want := range c.Require {
				if !strings.Contains(f.Content, want) {
					errs = append(errs, ferrors.New(ferrors.KindInvalidInput, "stack.ValidateConstraints", "required keyword missing").
						WithDetails(map[string]any{"stack": spec.Name, "path": f.Path, "keyword": want}))
				}
			}
			for _, bad := range c.Forbid {
				if strings.Contains(f.Content, bad) {
					errs = append(errs, ferrors.New(ferrors.KindInvalidInput, "stack.ValidateConstraints", "forbidden keyword present").
						WithDetails(map[string]any{"stack": spec.Name, "path": f.Path, "keyword": bad}))
				}
			}
		}
	}
	return errs
}

package sandbox

import (
	"encoding/json"
	"strings"
)

// executor resolves the image and default invocation command for one
// language, based on canonical files present in the request — spec §4.3
// is explicit that detection is not configuration.
type executor interface {
	image() string
	workdir() string
	detectCommand(files map[string][]byte) string
}

func executorFor(lang Language) executor {
	switch lang {
	case LanguageNode:
		return nodeExecutor{}
	case LanguagePHP:
		return phpExecutor{}
	case LanguageShell:
		return shellExecutor{}
	default:
		return pythonExecutor{}
	}
}

const sandboxWorkdir = "/workspace"

type pythonExecutor struct{}

func (pythonExecutor) image() string   { return "python:3.12-slim" }
func (pythonExecutor) workdir() string { return sandboxWorkdir }

func (e pythonExecutor) detectCommand(files map[string][]byte) string {
	if hasFile(files, "pytest.ini", "pyproject.toml", "conftest.py") || hasMatchingFile(files, isPytestFile) {
		return "pytest"
	}
	if entry := soleEntrypoint(files, ".py"); entry != "" {
		return "python " + entry
	}
	return "python main.py"
}

func isPytestFile(name string) bool {
	base := name
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		base = name[i+1:]
	}
	return strings.HasPrefix(base, "test_") || strings.HasSuffix(base, "_test.py")
}

type nodeExecutor struct{}

func (nodeExecutor) image() string   { return "node:20-slim" }
func (nodeExecutor) workdir() string { return sandboxWorkdir }

func (e nodeExecutor) detectCommand(files map[string][]byte) string {
	if raw, ok := files["package.json"]; ok && hasTestScript(raw) {
		return "npm test"
	}
	if entry := soleEntrypoint(files, ".js"); entry != "" {
		return "node " + entry
	}
	return "node index.js"
}

func hasTestScript(packageJSON []byte) bool {
	var pkg struct {
		Scripts map[string]string `json:"scripts"`
	}
	if err := json.Unmarshal(packageJSON, &pkg); err != nil {
		return false
	}
	test, ok := pkg.Scripts["test"]
	return ok && test != "" && !strings.Contains(test, "no test specified")
}

type phpExecutor struct{}

func (phpExecutor) image() string   { return "php:8.3-cli" }
func (phpExecutor) workdir() string { return sandboxWorkdir }

func (e phpExecutor) detectCommand(files map[string][]byte) string {
	_, hasComposer := files["composer.json"]
	_, hasPHPUnitXML := files["phpunit.xml"]
	_, hasPHPUnitDist := files["phpunit.xml.dist"]
	if hasComposer && (hasPHPUnitXML || hasPHPUnitDist) {
		return "composer install --no-interaction --quiet && vendor/bin/phpunit"
	}
	if entry := soleEntrypoint(files, ".php"); entry != "" {
		return "php " + entry
	}
	return "php index.php"
}

// shellExecutor is a pass-through: the caller's Command is authoritative,
// and an entrypoint script is used only as a fallback when none is given.
type shellExecutor struct{}

func (shellExecutor) image() string   { return "alpine:3.20" }
func (shellExecutor) workdir() string { return sandboxWorkdir }

func (e shellExecutor) detectCommand(files map[string][]byte) string {
	if _, ok := files["run.sh"]; ok {
		return "sh run.sh"
	}
	return "true"
}

func hasFile(files map[string][]byte, names ...string) bool {
	for _, n := range names {
		if _, ok := files[n]; ok {
			return true
		}
	}
	return false
}

func hasMatchingFile(files map[string][]byte, match func(string) bool) bool {
	for name := range files {
		if match(name) {
			return true
		}
	}
	return false
}

// soleEntrypoint returns the only top-level file with the given extension,
// or "" when there is none or more than one. It never guesses among multiple
// candidates; ambiguity falls through to the language's conventional
// default filename.
func soleEntrypoint(files map[string][]byte, ext string) string {
	var candidates []string
	for name := range files {
		if strings.Contains(name, "/") {
			continue
		}
		if strings.HasSuffix(name, ext) {
			candidates = append(candidates, name)
		}
	}
	if len(candidates) != 1 {
		return ""
	}
	return candidates[0]
}

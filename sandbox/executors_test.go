package sandbox

import "testing"

func TestPythonExecutorDetectsPytestFromCanonicalFiles(t *testing.T) {
	e := pythonExecutor{}
	cmd := e.detectCommand(map[string][]byte{"test_app.py": nil, "app.py": nil})
	if cmd != "pytest" {
		t.Fatalf("expected pytest, got %q", cmd)
	}
}

func TestPythonExecutorFallsBackToSoleEntrypoint(t *testing.T) {
	e := pythonExecutor{}
	cmd := e.detectCommand(map[string][]byte{"solve.py": nil})
	if cmd != "python solve.py" {
		t.Fatalf("expected python solve.py, got %q", cmd)
	}
}

func TestPythonExecutorFallsBackToMainWhenAmbiguous(t *testing.T) {
	e := pythonExecutor{}
	cmd := e.detectCommand(map[string][]byte{"a.py": nil, "b.py": nil})
	if cmd != "python main.py" {
		t.Fatalf("expected python main.py, got %q", cmd)
	}
}

func TestNodeExecutorDetectsNpmTestScript(t *testing.T) {
	e := nodeExecutor{}
	cmd := e.detectCommand(map[string][]byte{
		"package.json": []byte(`{"scripts":{"test":"jest"}}`),
	})
	if cmd != "npm test" {
		t.Fatalf("expected npm test, got %q", cmd)
	}
}

func TestNodeExecutorIgnoresPlaceholderTestScript(t *testing.T) {
	e := nodeExecutor{}
	cmd := e.detectCommand(map[string][]byte{
		"package.json": []byte(`{"scripts":{"test":"echo \"Error: no test specified\" && exit 1"}}`),
		"index.js":     nil,
	})
	if cmd != "node index.js" {
		t.Fatalf("expected node index.js, got %q", cmd)
	}
}

func TestPHPExecutorDetectsComposerPhpunit(t *testing.T) {
	e := phpExecutor{}
	cmd := e.detectCommand(map[string][]byte{"composer.json": nil, "phpunit.xml": nil})
	if cmd != "composer install --no-interaction --quiet && vendor/bin/phpunit" {
		t.Fatalf("unexpected command: %q", cmd)
	}
}

func TestShellExecutorPassesThroughRunScript(t *testing.T) {
	e := shellExecutor{}
	cmd := e.detectCommand(map[string][]byte{"run.sh": nil})
	if cmd != "sh run.sh" {
		t.Fatalf("expected sh run.sh, got %q", cmd)
	}
}

func TestExecutorForDefaultsToPython(t *testing.T) {
	if _, ok := executorFor(Language("unknown")).(pythonExecutor); !ok {
		t.Fatal("expected unknown language to default to the python executor")
	}
}

func TestRequestFillAppliesDefaultsAndClamps(t *testing.T) {
	r := Request{}.fill()
	if r.TimeoutSeconds != defaultTimeoutSeconds || r.MemoryLimitMB != defaultMemoryLimitMB {
		t.Fatalf("expected defaults, got %+v", r)
	}

	clamped := Request{TimeoutSeconds: 10_000, MemoryLimitMB: 1}.fill()
	if clamped.TimeoutSeconds != maxTimeoutSeconds {
		t.Fatalf("expected timeout clamped to %d, got %d", maxTimeoutSeconds, clamped.TimeoutSeconds)
	}
	if clamped.MemoryLimitMB != minMemoryLimitMB {
		t.Fatalf("expected memory clamped to %d, got %d", minMemoryLimitMB, clamped.MemoryLimitMB)
	}
}

package toolchain

import (
	"os"
	"path/filepath"
	"testing"

	pkgerrors "codelab/pkg/errors"
)

func TestLookupBuiltinCaseInsensitive(t *testing.T) {
	r := NewRegistry()

	for _, id := range []string{"python", "Python", "PYTHON"} {
		prof, err := r.Lookup(id)
		if err != nil {
			t.Fatalf("lookup %q: %v", id, err)
		}
		if prof.ID != "python" {
			t.Fatalf("lookup %q resolved to %q", id, prof.ID)
		}
	}
}

func TestLookupUnknownLanguage(t *testing.T) {
	r := NewRegistry()

	_, err := r.Lookup("cobol")
	if err == nil {
		t.Fatal("expected error for unknown language")
	}
	if pkgerrors.GetCode(err) != pkgerrors.LanguageNotSupported {
		t.Fatalf("expected LanguageNotSupported, got code %d", pkgerrors.GetCode(err))
	}
}

func TestCompiledVsInterpreted(t *testing.T) {
	r := NewRegistry()

	cpp, err := r.Lookup("cpp")
	if err != nil {
		t.Fatalf("lookup cpp: %v", err)
	}
	if !cpp.NeedsCompile() {
		t.Fatal("cpp should need a compile step")
	}

	py, err := r.Lookup("python")
	if err != nil {
		t.Fatalf("lookup python: %v", err)
	}
	if py.NeedsCompile() {
		t.Fatal("python should not need a compile step")
	}
	if py.TimeMultiplier <= 1 {
		t.Fatalf("python time multiplier should exceed 1, got %v", py.TimeMultiplier)
	}
}

func TestCommandExpansion(t *testing.T) {
	r := NewRegistry()
	cpp, err := r.Lookup("cpp")
	if err != nil {
		t.Fatalf("lookup cpp: %v", err)
	}

	argv, err := cpp.CompileCommand("/work/main.cpp", "/work/main")
	if err != nil {
		t.Fatalf("compile command: %v", err)
	}
	foundSrc, foundBin := false, false
	for _, arg := range argv {
		if arg == "/work/main.cpp" {
			foundSrc = true
		}
		if arg == "/work/main" {
			foundBin = true
		}
	}
	if !foundSrc || !foundBin {
		t.Fatalf("compile argv missing expanded paths: %v", argv)
	}

	run, err := cpp.RunCommand("/work/main.cpp", "/work/main")
	if err != nil {
		t.Fatalf("run command: %v", err)
	}
	if run[0] != "/work/main" {
		t.Fatalf("run argv should start with the binary, got %v", run)
	}
}

func TestRegisterValidation(t *testing.T) {
	r := NewRegistry()

	if err := r.Register(Profile{RunCmdTpl: "/bin/true"}); err == nil {
		t.Fatal("expected error for profile without id")
	}
	if err := r.Register(Profile{ID: "sh"}); err == nil {
		t.Fatal("expected error for profile without run command")
	}

	if err := r.Register(Profile{ID: "sh", SourceFile: "main.sh", RunCmdTpl: "/bin/sh {src}"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	prof, err := r.Lookup("sh")
	if err != nil {
		t.Fatalf("lookup sh: %v", err)
	}
	if prof.TimeMultiplier != 1 || prof.MemoryMultiplier != 1 {
		t.Fatalf("multipliers should default to 1, got %v/%v", prof.TimeMultiplier, prof.MemoryMultiplier)
	}
}

func TestLoadFileOverridesBuiltin(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "languages.yaml")
	content := `languages:
  - id: python
    name: Python
    version: "3.12"
    sourceFile: main.py
    runCmd: "/opt/python3.12/bin/python3 {src}"
    timeMultiplier: 2.5
  - id: ruby
    name: Ruby
    sourceFile: main.rb
    runCmd: "/usr/bin/ruby {src}"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write languages file: %v", err)
	}

	r := NewRegistry()
	if err := r.LoadFile(path); err != nil {
		t.Fatalf("load file: %v", err)
	}

	py, err := r.Lookup("python")
	if err != nil {
		t.Fatalf("lookup python: %v", err)
	}
	if py.TimeMultiplier != 2.5 {
		t.Fatalf("expected overridden multiplier 2.5, got %v", py.TimeMultiplier)
	}

	if _, err := r.Lookup("ruby"); err != nil {
		t.Fatalf("lookup ruby: %v", err)
	}

	langs := r.Languages()
	for i := 1; i < len(langs); i++ {
		if langs[i-1] > langs[i] {
			t.Fatalf("languages not sorted: %v", langs)
		}
	}
}

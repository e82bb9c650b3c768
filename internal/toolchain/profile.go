// Package toolchain defines language profiles and the registry that
// resolves a submission's language into compile/run commands.
package toolchain

import (
	"strings"

	"github.com/google/shlex"

	"codelab/pkg/errors"
)

// Profile defines how to compile and run one language.
type Profile struct {
	ID         string `yaml:"id"`
	Name       string `yaml:"name"`
	Version    string `yaml:"version"`
	SourceFile string `yaml:"sourceFile"`
	BinaryFile string `yaml:"binaryFile"`

	// CompileCmdTpl is empty for interpreted languages.
	CompileCmdTpl string   `yaml:"compileCmd"`
	RunCmdTpl     string   `yaml:"runCmd"`
	Env           []string `yaml:"env"`

	// Per-language limit multipliers applied on top of the problem
	// limits. Interpreted languages usually get >1.
	TimeMultiplier   float64 `yaml:"timeMultiplier"`
	MemoryMultiplier float64 `yaml:"memoryMultiplier"`
}

// NeedsCompile reports whether this language has a compile step.
func (p Profile) NeedsCompile() bool {
	return strings.TrimSpace(p.CompileCmdTpl) != ""
}

// CompileCommand expands and tokenizes the compile command template.
// {src} and {bin} expand to the staged source and output binary paths.
func (p Profile) CompileCommand(srcPath, binPath string) ([]string, error) {
	return expandCommand(p.CompileCmdTpl, srcPath, binPath)
}

// RunCommand expands and tokenizes the run command template.
func (p Profile) RunCommand(srcPath, binPath string) ([]string, error) {
	return expandCommand(p.RunCmdTpl, srcPath, binPath)
}

func expandCommand(tpl, srcPath, binPath string) ([]string, error) {
	tpl = strings.TrimSpace(tpl)
	if tpl == "" {
		return nil, errors.New(errors.InvalidCommandTpl).WithMessage("command template is empty")
	}
	expanded := strings.NewReplacer("{src}", srcPath, "{bin}", binPath).Replace(tpl)
	argv, err := shlex.Split(expanded)
	if err != nil {
		return nil, errors.Wrapf(err, errors.InvalidCommandTpl, "tokenize command template %q", tpl)
	}
	if len(argv) == 0 {
		return nil, errors.Newf(errors.InvalidCommandTpl, "command template %q expands to nothing", tpl)
	}
	return argv, nil
}

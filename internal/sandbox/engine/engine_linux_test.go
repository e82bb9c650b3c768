//go:build linux

package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"codelab/internal/sandbox/security"
	"codelab/internal/sandbox/spec"
)

type staticProfileResolver struct {
	profile security.IsolationProfile
}

func (r staticProfileResolver) Resolve(profile string) (security.IsolationProfile, error) {
	return r.profile, nil
}

func TestLinuxEngineRun(t *testing.T) {
	helperPath := buildJailHelper(t)
	resolver := staticProfileResolver{}

	cases := []struct {
		name   string
		run    func(t *testing.T) (RunResult, error)
		verify func(t *testing.T, res RunResult, err error)
	}{
		{
			name: "wall_clock_kill",
			run: func(t *testing.T) (RunResult, error) {
				workDir := t.TempDir()

				cfg := Config{
					HelperPath:       helperPath,
					EnableSeccomp:    false,
					EnableCgroup:     false,
					EnableNamespaces: false,
				}
				eng, err := NewEngine(cfg, resolver)
				if err != nil {
					t.Fatalf("create engine: %v", err)
				}

				runSpec := spec.RunSpec{
					SubmissionID: "sub-wall",
					RunID:        "case-1",
					WorkDir:      workDir,
					Cmd:          []string{"/bin/sh", "-c", "sleep 2"},
					StdoutPath:   filepath.Join(workDir, "stdout.txt"),
					StderrPath:   filepath.Join(workDir, "stderr.txt"),
					Profile:      "default",
					Limits: spec.ResourceLimit{
						WallTimeMs: 100,
					},
				}

				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()

				return eng.Run(ctx, runSpec)
			},
			verify: func(t *testing.T, res RunResult, err error) {
				if err != nil {
					t.Fatalf("run failed: %v", err)
				}
				if res.ExitCode != -1 {
					t.Fatalf("expected kill exit code -1, got %d", res.ExitCode)
				}
				if res.WallTimeMs <= 0 {
					t.Fatalf("expected positive wall time, got %d", res.WallTimeMs)
				}
			},
		},
		{
			name: "output_capture_and_truncation",
			run: func(t *testing.T) (RunResult, error) {
				workDir := t.TempDir()

				cfg := Config{
					HelperPath:           helperPath,
					EnableSeccomp:        false,
					EnableCgroup:         false,
					EnableNamespaces:     false,
					StdoutStderrMaxBytes: 8,
				}
				eng, err := NewEngine(cfg, resolver)
				if err != nil {
					t.Fatalf("create engine: %v", err)
				}

				runSpec := spec.RunSpec{
					SubmissionID: "sub-output",
					RunID:        "case-1",
					WorkDir:      workDir,
					Cmd:          []string{"/bin/sh", "-c", "printf '0123456789'; printf 'abcdefghij' 1>&2"},
					StdoutPath:   filepath.Join(workDir, "stdout.txt"),
					StderrPath:   filepath.Join(workDir, "stderr.txt"),
					Profile:      "default",
					Limits: spec.ResourceLimit{
						WallTimeMs: 2000,
					},
				}

				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()

				return eng.Run(ctx, runSpec)
			},
			verify: func(t *testing.T, res RunResult, err error) {
				if err != nil {
					t.Fatalf("run failed: %v", err)
				}
				if res.ExitCode != 0 {
					t.Fatalf("expected exit code 0, got %d", res.ExitCode)
				}
				if res.Stdout != "01234567" {
					t.Fatalf("stdout = %q, want first 8 bytes", res.Stdout)
				}
				if res.Stderr != "abcdefgh" {
					t.Fatalf("stderr = %q, want first 8 bytes", res.Stderr)
				}
			},
		},
		{
			name: "cgroup_limits_and_submission_kill",
			run: func(t *testing.T) (RunResult, error) {
				workDir := t.TempDir()
				cgroupRoot := filepath.Join(workDir, "cgroup")

				cfg := Config{
					CgroupRoot:       cgroupRoot,
					HelperPath:       helperPath,
					EnableSeccomp:    false,
					EnableCgroup:     true,
					EnableNamespaces: false,
				}
				eng, err := NewEngine(cfg, resolver)
				if err != nil {
					t.Fatalf("create engine: %v", err)
				}

				runSpec := spec.RunSpec{
					SubmissionID: "sub-limits",
					RunID:        "case-1",
					WorkDir:      workDir,
					Cmd:          []string{"/bin/sh", "-c", "echo ok; sleep 0.5"},
					StdoutPath:   filepath.Join(workDir, "stdout.txt"),
					StderrPath:   filepath.Join(workDir, "stderr.txt"),
					Profile:      "default",
					Limits: spec.ResourceLimit{
						MemoryMB:   16,
						PIDs:       5,
						WallTimeMs: 2000,
					},
				}

				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()

				resultCh := make(chan RunResult, 1)
				errCh := make(chan error, 1)
				go func() {
					res, runErr := eng.Run(ctx, runSpec)
					resultCh <- res
					errCh <- runErr
				}()

				runDir, err := waitForCgroupDir(cgroupRoot, runSpec.SubmissionID, 2*time.Second)
				if err != nil {
					t.Fatalf("wait for cgroup directory: %v", err)
				}

				if data, err := os.ReadFile(filepath.Join(runDir, "pids.max")); err != nil {
					t.Fatalf("read pids.max: %v", err)
				} else if strings.TrimSpace(string(data)) != "5" {
					t.Fatalf("unexpected pids.max: %q", strings.TrimSpace(string(data)))
				}

				if data, err := os.ReadFile(filepath.Join(runDir, "memory.max")); err != nil {
					t.Fatalf("read memory.max: %v", err)
				} else if strings.TrimSpace(string(data)) != "16777216" {
					t.Fatalf("unexpected memory.max: %q", strings.TrimSpace(string(data)))
				}

				killPath := filepath.Join(runDir, "cgroup.kill")
				if err := os.WriteFile(killPath, []byte("0"), 0600); err != nil {
					t.Fatalf("prepare cgroup.kill: %v", err)
				}
				if err := eng.KillSubmission(ctx, runSpec.SubmissionID); err != nil {
					t.Fatalf("kill submission: %v", err)
				}
				if data, err := os.ReadFile(killPath); err != nil {
					t.Fatalf("read cgroup.kill: %v", err)
				} else if strings.TrimSpace(string(data)) != "1" {
					t.Fatalf("unexpected cgroup.kill value: %q", strings.TrimSpace(string(data)))
				}

				res := <-resultCh
				runErr := <-errCh

				// The per-run cgroup is torn down on every exit path.
				if _, err := os.Stat(runDir); err == nil {
					t.Fatal("expected cgroup directory to be cleaned up")
				} else if !errors.Is(err, os.ErrNotExist) {
					t.Fatalf("stat cgroup directory: %v", err)
				}

				return res, runErr
			},
			verify: func(t *testing.T, res RunResult, err error) {
				if err != nil {
					t.Fatalf("run failed: %v", err)
				}
				if res.ExitCode != 0 {
					t.Fatalf("expected exit code 0, got %d", res.ExitCode)
				}
				if !strings.Contains(res.Stdout, "ok") {
					t.Fatalf("stdout missing expected content: %q", res.Stdout)
				}
			},
		},
		{
			name: "oom_kill_detection",
			run: func(t *testing.T) (RunResult, error) {
				workDir := t.TempDir()
				cgroupRoot := filepath.Join(workDir, "cgroup")

				cfg := Config{
					CgroupRoot:       cgroupRoot,
					HelperPath:       helperPath,
					EnableSeccomp:    false,
					EnableCgroup:     true,
					EnableNamespaces: false,
				}
				eng, err := NewEngine(cfg, resolver)
				if err != nil {
					t.Fatalf("create engine: %v", err)
				}

				runSpec := spec.RunSpec{
					SubmissionID: "sub-oom",
					RunID:        "case-1",
					WorkDir:      workDir,
					Cmd:          []string{"/bin/sh", "-c", "sleep 0.5"},
					StdoutPath:   filepath.Join(workDir, "stdout.txt"),
					StderrPath:   filepath.Join(workDir, "stderr.txt"),
					Profile:      "default",
					Limits: spec.ResourceLimit{
						MemoryMB:   16,
						WallTimeMs: 2000,
					},
				}

				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()

				resultCh := make(chan RunResult, 1)
				errCh := make(chan error, 1)
				go func() {
					res, runErr := eng.Run(ctx, runSpec)
					resultCh <- res
					errCh <- runErr
				}()

				runDir, err := waitForCgroupDir(cgroupRoot, runSpec.SubmissionID, 2*time.Second)
				if err != nil {
					t.Fatalf("wait for cgroup directory: %v", err)
				}

				events := []byte("low 0\nhigh 0\nmax 3\noom 1\noom_kill 1\n")
				if err := os.WriteFile(filepath.Join(runDir, "memory.events"), events, 0644); err != nil {
					t.Fatalf("write memory.events: %v", err)
				}
				if err := os.WriteFile(filepath.Join(runDir, "memory.peak"), []byte("2097152\n"), 0644); err != nil {
					t.Fatalf("write memory.peak: %v", err)
				}

				res := <-resultCh
				runErr := <-errCh
				return res, runErr
			},
			verify: func(t *testing.T, res RunResult, err error) {
				if err != nil {
					t.Fatalf("run failed: %v", err)
				}
				if !res.OomKilled {
					t.Fatal("expected the oom_kill counter to be detected")
				}
				if res.MemoryKB != 2048 {
					t.Fatalf("memory peak = %d KB, want 2048", res.MemoryKB)
				}
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := tc.run(t)
			tc.verify(t, res, err)
		})
	}
}

func waitForCgroupDir(root, submissionID string, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	submissionDir := filepath.Join(root, submissionID)
	for time.Now().Before(deadline) {
		entries, err := os.ReadDir(submissionDir)
		if err == nil {
			for _, entry := range entries {
				if entry.IsDir() {
					return filepath.Join(submissionDir, entry.Name()), nil
				}
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	return "", fmt.Errorf("timeout waiting for cgroup directory")
}

// buildJailHelper compiles a stripped-down stand-in for sandbox-init:
// it decodes the init request, redirects IO, and runs the command
// without any namespace or seccomp setup.
func buildJailHelper(t *testing.T) string {
	t.Helper()
	helperDir := filepath.Join(t.TempDir(), "helper")
	if err := os.MkdirAll(helperDir, 0755); err != nil {
		t.Fatalf("create helper dir: %v", err)
	}

	goMod := []byte("module jailhelper\n\ngo 1.22\n")
	if err := os.WriteFile(filepath.Join(helperDir, "go.mod"), goMod, 0644); err != nil {
		t.Fatalf("write helper go.mod: %v", err)
	}
	if err := os.WriteFile(filepath.Join(helperDir, "main.go"), []byte(helperSource), 0644); err != nil {
		t.Fatalf("write helper main.go: %v", err)
	}

	helperPath := filepath.Join(helperDir, "sandbox-init")
	cmd := exec.Command("go", "build", "-o", helperPath, ".")
	cmd.Dir = helperDir
	cmd.Env = append(os.Environ(), "CGO_ENABLED=0")
	output, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("build helper failed: %v: %s", err, string(output))
	}
	return helperPath
}

const helperSource = `package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
)

type initRequest struct {
	RunSpec runSpec ` + "`json:\"RunSpec\"`" + `
}

type runSpec struct {
	WorkDir    string   ` + "`json:\"WorkDir\"`" + `
	Cmd        []string ` + "`json:\"Cmd\"`" + `
	Env        []string ` + "`json:\"Env\"`" + `
	StdinPath  string   ` + "`json:\"StdinPath\"`" + `
	StdoutPath string   ` + "`json:\"StdoutPath\"`" + `
	StderrPath string   ` + "`json:\"StderrPath\"`" + `
}

func main() {
	if err := run(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func run() error {
	dec := json.NewDecoder(os.Stdin)
	var req initRequest
	if err := dec.Decode(&req); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	if len(req.RunSpec.Cmd) == 0 {
		return fmt.Errorf("command is required")
	}
	if req.RunSpec.WorkDir == "" {
		return fmt.Errorf("work dir is required")
	}
	stdinPath := req.RunSpec.StdinPath
	if stdinPath == "" {
		stdinPath = "/dev/null"
	}
	stdoutPath := req.RunSpec.StdoutPath
	if stdoutPath == "" {
		stdoutPath = "/dev/null"
	}
	stderrPath := req.RunSpec.StderrPath
	if stderrPath == "" {
		stderrPath = "/dev/null"
	}
	stdinFile, err := os.Open(stdinPath)
	if err != nil {
		return fmt.Errorf("open stdin: %w", err)
	}
	stdoutFile, err := os.OpenFile(stdoutPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("open stdout: %w", err)
	}
	stderrFile, err := os.OpenFile(stderrPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("open stderr: %w", err)
	}

	cmd := exec.Command(req.RunSpec.Cmd[0], req.RunSpec.Cmd[1:]...)
	cmd.Dir = req.RunSpec.WorkDir
	cmd.Stdin = stdinFile
	cmd.Stdout = stdoutFile
	cmd.Stderr = stderrFile
	cmd.Env = buildEnv(req.RunSpec.Env)

	err = cmd.Run()
	_ = stdinFile.Close()
	_ = stdoutFile.Close()
	_ = stderrFile.Close()
	if err != nil {
		return fmt.Errorf("run command: %w", err)
	}
	return nil
}

func buildEnv(env []string) []string {
	if len(env) > 0 {
		return env
	}
	return []string{"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"}
}
`

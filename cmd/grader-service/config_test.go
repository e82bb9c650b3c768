package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const baseConfig = `
database:
  dsn: user:pass@tcp(localhost:3306)/codelab
redis:
  addr: localhost:6379
kafka:
  brokers: ["localhost:9092"]
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "grader_service.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppConfigIsolationProfiles(t *testing.T) {
	path := writeConfig(t, baseConfig+`
sandbox:
  enableNamespaces: true
  enableSeccomp: true
  profiles:
    - name: default
      rootFS: /srv/sandbox/rootfs
      seccompProfile: run.json
`)
	cfg, err := loadAppConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	def, ok := cfg.Sandbox.toIsolationProfiles()["default"]
	if !ok {
		t.Fatal("default profile missing")
	}
	if def.RootFS != "/srv/sandbox/rootfs" || def.SeccompProfile != "run.json" {
		t.Fatalf("default profile = %+v", def)
	}
	if !def.DisableNetwork {
		t.Fatal("network must be disabled in every profile")
	}
}

func TestLoadAppConfigRequiresDefaultProfile(t *testing.T) {
	path := writeConfig(t, baseConfig)
	_, err := loadAppConfig(path)
	if err == nil || !strings.Contains(err.Error(), "default") {
		t.Fatalf("expected missing default profile error, got %v", err)
	}
}

func TestLoadAppConfigRequiresRootFSWithNamespaces(t *testing.T) {
	path := writeConfig(t, baseConfig+`
sandbox:
  enableNamespaces: true
  profiles:
    - name: default
`)
	_, err := loadAppConfig(path)
	if err == nil || !strings.Contains(err.Error(), "rootFS") {
		t.Fatalf("expected rootFS error, got %v", err)
	}
}

func TestLoadAppConfigRequiresSeccompProfileWithSeccomp(t *testing.T) {
	path := writeConfig(t, baseConfig+`
sandbox:
  enableSeccomp: true
  profiles:
    - name: default
      rootFS: /srv/sandbox/rootfs
`)
	_, err := loadAppConfig(path)
	if err == nil || !strings.Contains(err.Error(), "seccompProfile") {
		t.Fatalf("expected seccompProfile error, got %v", err)
	}
}

package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/endernoke/viberot/internal/config"
)

// writeTemp writes content to a temp file and returns its path.
func writeTemp(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f.Close()
	return f.Name()
}

const validYAML = `
rules:
  - command: "*cargo build*"
    action:
      type: exec
      path: overlay
      single_instance: true
  - commands:
      - "*npm-cli.js* install *"
      - "*pip* install *"
    actions:
      - type: exec
        path: "${VIBEROT_ACTIONS}/installer-overlay"
        args: ["--quiet"]
`

func TestLoadConfig_Valid(t *testing.T) {
	path := writeTemp(t, validYAML)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Rules) != 2 {
		t.Fatalf("len(Rules) = %d, want 2", len(cfg.Rules))
	}

	r0 := cfg.Rules[0]
	if len(r0.Commands) != 1 || r0.Commands[0] != "*cargo build*" {
		t.Errorf("Rules[0].Commands = %+v", r0.Commands)
	}
	if len(r0.Actions) != 1 || r0.Actions[0].Type != config.ActionExec || r0.Actions[0].Path != "overlay" || !r0.Actions[0].SingleInstance {
		t.Errorf("Rules[0].Actions = %+v", r0.Actions)
	}

	r1 := cfg.Rules[1]
	if len(r1.Commands) != 2 {
		t.Fatalf("Rules[1].Commands = %+v, want 2 entries", r1.Commands)
	}
	if len(r1.Actions) != 1 || r1.Actions[0].Path != "${VIBEROT_ACTIONS}/installer-overlay" {
		t.Errorf("Rules[1].Actions = %+v", r1.Actions)
	}
	if len(r1.Actions[0].Args) != 1 || r1.Actions[0].Args[0] != "--quiet" {
		t.Errorf("Rules[1].Actions[0].Args = %+v", r1.Actions[0].Args)
	}
}

func TestLoadConfig_CommandAndCommandsAreAliases(t *testing.T) {
	singular := `
rules:
  - command: "*make*"
    action: {type: exec, path: notify}
`
	plural := `
rules:
  - commands: ["*make*"]
    action: {type: exec, path: notify}
`
	cfgA, err := config.LoadConfig(writeTemp(t, singular))
	if err != nil {
		t.Fatalf("singular form: %v", err)
	}
	cfgB, err := config.LoadConfig(writeTemp(t, plural))
	if err != nil {
		t.Fatalf("plural form: %v", err)
	}
	if cfgA.Fingerprint() != cfgB.Fingerprint() {
		t.Errorf("singular and plural forms produced different fingerprints")
	}
}

func TestLoadConfig_MissingCommand(t *testing.T) {
	yaml := `
rules:
  - action: {type: exec, path: notify}
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for missing command, got nil")
	}
}

func TestLoadConfig_MissingAction(t *testing.T) {
	yaml := `
rules:
  - command: "*make*"
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for missing action, got nil")
	}
}

func TestLoadConfig_ExecActionMissingPath(t *testing.T) {
	yaml := `
rules:
  - command: "*make*"
    action: {type: exec}
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for exec action missing path, got nil")
	}
	if !strings.Contains(err.Error(), "path") {
		t.Errorf("error %q does not mention path", err.Error())
	}
}

func TestLoadConfig_UnsupportedActionTypeDoesNotFailLoad(t *testing.T) {
	yaml := `
rules:
  - command: "*make*"
    action: {type: webhook, path: "https://example.com"}
`
	path := writeTemp(t, yaml)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error loading unsupported action type: %v", err)
	}
	warnings := cfg.UnsupportedActions()
	if len(warnings) != 1 {
		t.Fatalf("UnsupportedActions() = %v, want 1 warning", warnings)
	}
	if !strings.Contains(warnings[0], "webhook") {
		t.Errorf("warning %q does not mention action type", warnings[0])
	}
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	missingPath := filepath.Join(t.TempDir(), "nonexistent.yaml")
	_, err := config.LoadConfig(missingPath)
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := writeTemp(t, ":::invalid yaml:::")
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML, got nil")
	}
}

func TestLoadConfig_EmptyRuleList(t *testing.T) {
	path := writeTemp(t, "rules: []\n")
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Rules) != 0 {
		t.Errorf("len(Rules) = %d, want 0", len(cfg.Rules))
	}
}

func TestLoadOrInit_WritesDefaultConfigWhenMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "viberot.yaml")
	cfg, err := config.LoadOrInit(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Rules) != 0 {
		t.Errorf("bootstrap config should have no rules, got %+v", cfg.Rules)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected default config file to be written: %v", err)
	}
	if !strings.Contains(string(data), "viberot configuration file") {
		t.Errorf("default config file missing header comment")
	}
}

func TestLoadOrInit_LoadsExistingFile(t *testing.T) {
	path := writeTemp(t, validYAML)
	cfg, err := config.LoadOrInit(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Rules) != 2 {
		t.Fatalf("len(Rules) = %d, want 2", len(cfg.Rules))
	}
}

func TestAction_Key(t *testing.T) {
	a := config.Action{Type: config.ActionExec, Path: "overlay", Args: []string{"--quiet", "--now"}}
	want := "exec:overlay:--quiet --now"
	if got := a.Key(); got != want {
		t.Errorf("Key() = %q, want %q", got, want)
	}
}

func TestConfig_Fingerprint_StableAndSensitive(t *testing.T) {
	cfgA, err := config.LoadConfig(writeTemp(t, validYAML))
	if err != nil {
		t.Fatalf("load A: %v", err)
	}
	cfgB, err := config.LoadConfig(writeTemp(t, validYAML))
	if err != nil {
		t.Fatalf("load B: %v", err)
	}
	if cfgA.Fingerprint() != cfgB.Fingerprint() {
		t.Error("identical configs produced different fingerprints")
	}

	changed := `
rules:
  - command: "*cargo test*"
    action: {type: exec, path: overlay}
`
	cfgC, err := config.LoadConfig(writeTemp(t, changed))
	if err != nil {
		t.Fatalf("load C: %v", err)
	}
	if cfgA.Fingerprint() == cfgC.Fingerprint() {
		t.Error("different configs produced identical fingerprints")
	}
}

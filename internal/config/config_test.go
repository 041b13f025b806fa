package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFindEnvLocal(t *testing.T) {
	tests := []struct {
		name  string
		files []string // .env.local locations, relative to HOME
		cwd   string
		want  string
	}{
		{name: "current dir", files: []string{"merges"}, cwd: "merges", want: "merges"},
		{name: "parent dir", files: []string{"merges"}, cwd: "merges/2026", want: "merges"},
		{name: "home dir", files: []string{"."}, cwd: "merges/2026/oct", want: "."},
		{name: "closest wins", files: []string{".", "merges"}, cwd: "merges/2026", want: "merges"},
		{name: "not found", cwd: "merges"},
		{name: "stops at home", files: []string{".."}, cwd: "merges"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root, err := filepath.EvalSymlinks(t.TempDir())
			if err != nil {
				t.Fatal(err)
			}
			home := filepath.Join(root, "home")
			t.Setenv("HOME", home)
			cwd := filepath.Join(home, tt.cwd)
			if err := os.MkdirAll(cwd, 0755); err != nil {
				t.Fatal(err)
			}
			for _, dir := range tt.files {
				path := filepath.Join(home, dir, ".env.local")
				if err := os.WriteFile(path, []byte("JWLMERGE_LOG_LEVEL=debug\n"), 0644); err != nil {
					t.Fatal(err)
				}
			}
			chdir(t, cwd)

			got := findEnvLocal()
			want := ""
			if tt.want != "" {
				want = filepath.Join(home, tt.want, ".env.local")
			}
			if got != want {
				t.Errorf("findEnvLocal() = %q, want %q", got, want)
			}
		})
	}
}

func TestGetEnvOrFile(t *testing.T) {
	dir := t.TempDir()
	pointer := filepath.Join(dir, "metrics-path")
	if err := os.WriteFile(pointer, []byte("/var/lib/node_exporter/jwlmerge.prom"), 0644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		value string
		file  string
		want  string
	}{
		{name: "value wins", value: "/tmp/direct.prom", file: pointer, want: "/tmp/direct.prom"},
		{name: "file fallback", file: pointer, want: "/var/lib/node_exporter/jwlmerge.prom"},
		{name: "missing file", file: filepath.Join(dir, "absent")},
		{name: "neither"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("JWLMERGE_METRICS_FILE", tt.value)
			t.Setenv("JWLMERGE_METRICS_FILE_FILE", tt.file)
			if got := getEnvOrFile("JWLMERGE_METRICS_FILE", "JWLMERGE_METRICS_FILE_FILE"); got != tt.want {
				t.Errorf("getEnvOrFile() = %q, want %q", got, tt.want)
			}
		})
	}
}

func chdir(t *testing.T, dir string) {
	t.Helper()
	oldCwd, _ := os.Getwd()
	t.Cleanup(func() { os.Chdir(oldCwd) })
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
}

// isolate points HOME and the working directory at a fresh temp dir and
// blanks every JWLMERGE_ variable.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	for _, name := range []string{
		"JWLMERGE_WORK_DIR", "JWLMERGE_LOG_LEVEL", "JWLMERGE_LOG_FORMAT",
		"JWLMERGE_MAX_SLOT_PROBES", "JWLMERGE_METRICS_FILE",
		"JWLMERGE_CHOICES_FILE", "JWLMERGE_CHOICES_FILE_FILE",
	} {
		t.Setenv(name, "")
	}
	chdir(t, home)
	return home
}

func TestLoad_Defaults(t *testing.T) {
	isolate(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "console" {
		t.Errorf("unexpected log defaults: %q %q", cfg.LogLevel, cfg.LogFormat)
	}
	if cfg.MaxSlotProbes != DefaultMaxSlotProbes {
		t.Errorf("expected %d slot probes, got %d", DefaultMaxSlotProbes, cfg.MaxSlotProbes)
	}
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	home := isolate(t)
	dir := filepath.Join(home, ".config", "jwlmerge")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	yamlData := "log_level: warn\nmax_slot_probes: 8\nwork_dir: /tmp/from-yaml\n"
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yamlData), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("JWLMERGE_WORK_DIR", "/tmp/from-env")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("expected yaml log level, got %q", cfg.LogLevel)
	}
	if cfg.MaxSlotProbes != 8 {
		t.Errorf("expected 8 slot probes, got %d", cfg.MaxSlotProbes)
	}
	if cfg.WorkDir != "/tmp/from-env" {
		t.Errorf("expected env to override yaml, got %q", cfg.WorkDir)
	}
}

func TestLoad_ChoicesFileIndirection(t *testing.T) {
	home := isolate(t)
	pointer := filepath.Join(home, "choices-path")
	if err := os.WriteFile(pointer, []byte("/data/choices.json\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("JWLMERGE_CHOICES_FILE_FILE", pointer)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ChoicesFile != "/data/choices.json" {
		t.Errorf("expected choices path from file, got %q", cfg.ChoicesFile)
	}
}

func TestLoad_InvalidSlotProbes(t *testing.T) {
	isolate(t)
	t.Setenv("JWLMERGE_MAX_SLOT_PROBES", "many")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for non-numeric slot probes")
	}
}

func TestLoad_EnvLocalFromParentDir(t *testing.T) {
	home := isolate(t)
	// godotenv leaves variables that are already set alone, blank or not.
	os.Unsetenv("JWLMERGE_LOG_LEVEL")
	os.Unsetenv("JWLMERGE_MAX_SLOT_PROBES")
	t.Cleanup(func() {
		os.Unsetenv("JWLMERGE_LOG_LEVEL")
		os.Unsetenv("JWLMERGE_MAX_SLOT_PROBES")
	})
	envData := "JWLMERGE_LOG_LEVEL=debug\nJWLMERGE_MAX_SLOT_PROBES=12\n"
	if err := os.WriteFile(filepath.Join(home, ".env.local"), []byte(envData), 0644); err != nil {
		t.Fatal(err)
	}
	child := filepath.Join(home, "exports")
	if err := os.Mkdir(child, 0755); err != nil {
		t.Fatal(err)
	}
	chdir(t, child)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("expected log level from .env.local, got %q", cfg.LogLevel)
	}
	if cfg.MaxSlotProbes != 12 {
		t.Errorf("expected 12 slot probes from .env.local, got %d", cfg.MaxSlotProbes)
	}
}

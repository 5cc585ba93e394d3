package scaffold

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dyluth/gauntlet/internal/config"
)

func TestInitialize(t *testing.T) {
	tests := []struct {
		name      string
		force     bool
		setupFunc func(string)
		wantErr   bool
	}{
		{
			name:      "fresh initialization",
			force:     false,
			setupFunc: func(dir string) {},
			wantErr:   false,
		},
		{
			name:  "force initialization removes existing files",
			force: true,
			setupFunc: func(dir string) {
				os.WriteFile(filepath.Join(dir, "gauntlet.yml"), []byte("old content"), 0644)
				os.MkdirAll(filepath.Join(dir, "reference"), 0755)
				os.WriteFile(filepath.Join(dir, "reference", "old_agent.py"), []byte("old"), 0644)
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			chdir(t, tmpDir)
			tt.setupFunc(tmpDir)

			err := Initialize(tt.force)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Initialize() error = %v, wantErr %v", err, tt.wantErr)
			}

			for _, path := range []string{"gauntlet.yml", "worklist.csv", "reference/README.md"} {
				if _, err := os.Stat(filepath.Join(tmpDir, path)); err != nil {
					t.Errorf("Expected file %s to exist, but got error: %v", path, err)
				}
			}
			if info, err := os.Stat(filepath.Join(tmpDir, "submissions")); err != nil || !info.IsDir() {
				t.Errorf("Expected submissions/ directory to exist")
			}

			cfg, err := config.Load(filepath.Join(tmpDir, "gauntlet.yml"))
			if err != nil {
				t.Fatalf("generated gauntlet.yml does not load: %v", err)
			}
			if cfg.Parallel != 8 || cfg.BasePort != 9500 {
				t.Errorf("unexpected defaults: parallel=%d base_port=%d", cfg.Parallel, cfg.BasePort)
			}

			if tt.force {
				if _, err := os.Stat(filepath.Join(tmpDir, "reference", "old_agent.py")); err == nil {
					t.Errorf("Expected old reference files to be removed, but they still exist")
				}
			}
		})
	}
}

func TestInitializeKeepsExistingWorklist(t *testing.T) {
	tmpDir := t.TempDir()
	chdir(t, tmpDir)

	existing := []byte("folder_name\nmine\n")
	if err := os.WriteFile("worklist.csv", existing, 0644); err != nil {
		t.Fatal(err)
	}
	if err := Initialize(false); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	got, err := os.ReadFile("worklist.csv")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(existing) {
		t.Errorf("worklist.csv was overwritten: %q", got)
	}
}

func TestGetTemplateFiles(t *testing.T) {
	files, err := getTemplateFiles()
	if err != nil {
		t.Fatalf("getTemplateFiles() error = %v", err)
	}

	want := map[string]bool{
		"gauntlet.yml":                          true,
		"worklist.csv":                          true,
		filepath.Join("reference", "README.md"): true,
	}
	if len(files) != len(want) {
		t.Fatalf("got %d files, want %d", len(files), len(want))
	}
	for _, f := range files {
		if !want[f.Path] {
			t.Errorf("unexpected file %s", f.Path)
		}
		if len(f.Content) == 0 {
			t.Errorf("file %s is empty", f.Path)
		}
		if f.Permissions != 0644 {
			t.Errorf("file %s has permissions %v, want 0644", f.Path, f.Permissions)
		}
	}
}

package scaffold

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dyluth/gauntlet/internal/config"
)

//go:embed templates/*
var templatesFS embed.FS

// FileInfo represents a file to be created during initialization
type FileInfo struct {
	Path        string
	Content     []byte
	Permissions os.FileMode
}

// ConfigFile is the name of the generated configuration
const ConfigFile = "gauntlet.yml"

// Initialize creates the gauntlet project structure in the current directory
// If force is true, it will remove existing gauntlet.yml and reference/ directory
func Initialize(force bool) error {
	if force {
		if err := handleForce(); err != nil {
			return err
		}
	}

	files, err := getTemplateFiles()
	if err != nil {
		return err
	}

	if err := createDirectories(); err != nil {
		return err
	}

	if err := writeFiles(files); err != nil {
		return err
	}

	return validateCreatedFiles()
}

// handleForce removes existing files if --force was specified
func handleForce() error {
	if _, err := os.Stat(ConfigFile); err == nil {
		fmt.Printf("⚠️  Removing existing %s...\n", ConfigFile)
		if err := os.Remove(ConfigFile); err != nil {
			return fmt.Errorf("failed to remove %s: %w", ConfigFile, err)
		}
	}

	if info, err := os.Stat("reference"); err == nil && info.IsDir() {
		fmt.Println("⚠️  Removing existing reference/ directory...")
		if err := os.RemoveAll("reference"); err != nil {
			return fmt.Errorf("failed to remove reference/ directory: %w", err)
		}
	}

	return nil
}

// getTemplateFiles reads all template files
func getTemplateFiles() ([]FileInfo, error) {
	templates := []struct {
		name string
		path string
	}{
		{"gauntlet.yml.tmpl", ConfigFile},
		{"worklist.csv.tmpl", "worklist.csv"},
		{"README.md.tmpl", filepath.Join("reference", "README.md")},
	}

	files := make([]FileInfo, 0, len(templates))
	for _, tmpl := range templates {
		content, err := templatesFS.ReadFile("templates/" + tmpl.name)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s template: %w", tmpl.path, err)
		}
		files = append(files, FileInfo{Path: tmpl.path, Content: content, Permissions: 0644})
	}
	return files, nil
}

// createDirectories creates the necessary directory structure
func createDirectories() error {
	for _, dir := range []string{"reference", "submissions"} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// writeFiles writes all template files to disk, leaving an existing worklist untouched
func writeFiles(files []FileInfo) error {
	for _, file := range files {
		if file.Path == "worklist.csv" {
			if _, err := os.Stat(file.Path); err == nil {
				continue
			}
		}
		if err := os.WriteFile(file.Path, file.Content, file.Permissions); err != nil {
			return fmt.Errorf("failed to write %s: %w", file.Path, err)
		}
	}
	return nil
}

// validateCreatedFiles checks the generated configuration loads cleanly
func validateCreatedFiles() error {
	if _, err := config.Load(ConfigFile); err != nil {
		return fmt.Errorf("created %s is not valid: %w", ConfigFile, err)
	}
	return nil
}

// PrintSuccess prints the success message with created files
func PrintSuccess() {
	fmt.Println("\n✅ Successfully initialized gauntlet project!")
	fmt.Println("\nCreated:")
	fmt.Printf("  ✓ %s\n", ConfigFile)
	fmt.Println("  ✓ worklist.csv")
	fmt.Println("  ✓ reference/README.md")
	fmt.Println("  ✓ submissions/")
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Point server.command and client.command at your game")
	fmt.Println("  2. Put the reference agent in reference/")
	fmt.Println("  3. Replace worklist.csv with your cataloger's output")
	fmt.Println("  4. Run 'gauntlet run'")
}

package scaffold

import (
	"fmt"
	"os"
)

// CheckExisting checks if gauntlet.yml or reference/ directory already exist
// Returns an error if they do, nil otherwise
func CheckExisting() error {
	var existingFiles []string

	if _, err := os.Stat(ConfigFile); err == nil {
		existingFiles = append(existingFiles, ConfigFile)
	}

	if info, err := os.Stat("reference"); err == nil && info.IsDir() {
		existingFiles = append(existingFiles, "reference/")
	}

	if len(existingFiles) > 0 {
		errMsg := "project already initialized\n\nFound existing"
		if len(existingFiles) == 1 {
			errMsg += fmt.Sprintf(": %s", existingFiles[0])
		} else {
			errMsg += " files:\n"
			for _, file := range existingFiles {
				errMsg += fmt.Sprintf("  - %s\n", file)
			}
		}
		errMsg += "\nUse 'gauntlet init --force' to reinitialize (this will overwrite existing configuration)"

		return fmt.Errorf("%s", errMsg)
	}

	return nil
}

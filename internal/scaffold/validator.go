package scaffold

import (
	"fmt"
	"os"
)

// CheckExisting returns an error if a configuration file already exists at path.
func CheckExisting(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists\n\nUse 'canopy init --force' to overwrite it", path)
	}
	return nil
}

package config

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/joho/godotenv"
)

// DefaultDotEnvPath is the file read by LoadDotEnv when no path is given.
const DefaultDotEnvPath = ".env"

// LoadDotEnv copies variables from a dotenv file into the process
// environment. Variables that are already set win, and a missing file is
// not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = DefaultDotEnvPath
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

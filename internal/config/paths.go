package config

import (
	"os"
	"path/filepath"
)

// DirEnv overrides the config directory.
const DirEnv = "WD_HOME"

// Dir returns the client directory, ~/.wingdesk unless WD_HOME is set.
func Dir() (string, error) {
	if d := os.Getenv(DirEnv); d != "" {
		return d, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".wingdesk"), nil
}

// Path is the config file inside dir.
func Path(dir string) string {
	return filepath.Join(dir, "config.yaml")
}

func EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0700)
}

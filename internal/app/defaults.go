package app

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	envConfigPath = "COMMITPAL_CONFIG_PATH"
	envHome       = "COMMITPAL_HOME"
)

// GetDefaults returns the locations commitpal uses when the config does not
// say otherwise:
//
//	config_path  $COMMITPAL_CONFIG_PATH or ~/.config/commitpal.toml
//	base_dir     $COMMITPAL_HOME or ~/.local/share/commitpal
//	log_dir      <base_dir>/log
//	lock_path    <base_dir>/commitpal.lock, held by `commitpal run`
func GetDefaults() (map[string]string, error) {
	configPath, err := fromEnvOrHome(envConfigPath, ".config", "commitpal.toml")
	if err != nil {
		return nil, err
	}
	baseDir, err := fromEnvOrHome(envHome, ".local", "share", "commitpal")
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"config_path": configPath,
		"base_dir":    baseDir,
		"log_dir":     filepath.Join(baseDir, "log"),
		"lock_path":   filepath.Join(baseDir, "commitpal.lock"),
	}, nil
}

// fromEnvOrHome returns $env when set, otherwise rel joined under the user's home.
func fromEnvOrHome(env string, rel ...string) (string, error) {
	if v := os.Getenv(env); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving %s: cannot determine home directory: %w", env, err)
	}
	return filepath.Join(append([]string{home}, rel...)...), nil
}

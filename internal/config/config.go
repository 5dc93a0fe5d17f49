package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"

	"commitpal/internal/fs"
	"commitpal/internal/pal"
)

const (
	DefaultBackupFrequency       = 1800 // seconds
	DefaultChangeDetectionBuffer = 60   // seconds
	DefaultAttemptTimeout        = 600  // seconds

	// debugInterval replaces frequency and buffer when debug is set.
	debugInterval = 5 * time.Second
)

// Config represents the main configuration for commitpal.
type Config struct {
	HostName              string              `toml:"host_name"`
	BaseDir               string              `toml:"base_dir"`
	LogDir                string              `toml:"log_dir" validate:"required"`
	WatchingFolders       []string            `toml:"watching_folders" validate:"dive,required"`
	BackupFrequency       int                 `toml:"backup_frequency" validate:"gte=1"`
	ChangeDetectionBuffer int                 `toml:"change_detection_buffer" validate:"gte=0"`
	AttemptTimeout        int                 `toml:"attempt_timeout" validate:"gte=0"`
	Debug                 bool                `toml:"debug"`
	Dedupe                bool                `toml:"dedupe"`
	Ignore                []string            `toml:"ignore"`
	Database              DatabaseConfig      `toml:"database"`
	Secrets               SecretsConfig       `toml:"secrets"`
	Notifications         NotificationsConfig `toml:"notifications"`
	Git                   GitConfig           `toml:"git"`
}

// DatabaseConfig represents configuration for the attempt history database.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type" validate:"oneof=sqlite memory"`
	DataDir string `toml:"data_dir,omitempty" validate:"required_if=Type sqlite"`
}

// SecretsConfig locates the encrypted credential store.
type SecretsConfig struct {
	Type         string `toml:"type" validate:"oneof=age memory"`
	Path         string `toml:"path,omitempty" validate:"required_if=Type age"`
	IdentityPath string `toml:"identity_path,omitempty" validate:"required_if=Type age"`
}

// NotificationsConfig selects how failures are reported.
type NotificationsConfig struct {
	Type string `toml:"type" validate:"oneof=desktop log none"`
}

// GitConfig overrides the identity used for backup commits.
type GitConfig struct {
	AuthorName  string `toml:"author_name,omitempty"`
	AuthorEmail string `toml:"author_email,omitempty" validate:"omitempty,email"`
}

// NewConfig creates a Config with defaults rooted at baseDir.
func NewConfig(baseDir string) *Config {
	cfg := withDefaults()
	cfg.BaseDir = baseDir
	cfg.LogDir = filepath.Join(baseDir, "log")
	cfg.Database = DatabaseConfig{Type: "sqlite", DataDir: filepath.Join(baseDir, "db")}
	cfg.Secrets = SecretsConfig{
		Type:         "age",
		Path:         filepath.Join(baseDir, "secrets.age"),
		IdentityPath: filepath.Join(baseDir, "keys", "identity.txt"),
	}
	cfg.Notifications = NotificationsConfig{Type: "desktop"}
	return &cfg
}

// withDefaults holds the values a config file may omit.
func withDefaults() Config {
	return Config{
		BackupFrequency:       DefaultBackupFrequency,
		ChangeDetectionBuffer: DefaultChangeDetectionBuffer,
		AttemptTimeout:        DefaultAttemptTimeout,
		Dedupe:                true,
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", pal.ErrConfiguration, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", pal.ErrConfiguration, err)
	}
	return nil
}

// Settings converts the file values into scheduler settings. Debug mode
// shortens the frequency and the buffer to a few seconds.
func (c *Config) Settings() pal.Settings {
	s := pal.Settings{
		WatchingFolders:       slices.Clone(c.WatchingFolders),
		BackupFrequency:       time.Duration(c.BackupFrequency) * time.Second,
		ChangeDetectionBuffer: time.Duration(c.ChangeDetectionBuffer) * time.Second,
		AttemptTimeout:        time.Duration(c.AttemptTimeout) * time.Second,
		Ignore:                slices.Clone(c.Ignore),
	}
	if c.Debug {
		s.BackupFrequency = debugInterval
		s.ChangeDetectionBuffer = debugInterval
	}
	return s
}

// AddWatchingFolder adds an absolute folder. It returns false if the folder
// was already watched.
func (c *Config) AddWatchingFolder(folder string) bool {
	folder = filepath.Clean(folder)
	if slices.Contains(c.WatchingFolders, folder) {
		return false
	}
	c.WatchingFolders = append(c.WatchingFolders, folder)
	return true
}

// RemoveWatchingFolder removes folder. It returns false if it was not watched.
func (c *Config) RemoveWatchingFolder(folder string) bool {
	folder = filepath.Clean(folder)
	i := slices.Index(c.WatchingFolders, folder)
	if i < 0 {
		return false
	}
	c.WatchingFolders = slices.Delete(c.WatchingFolders, i, i+1)
	return true
}

// Clean drops folders that no longer exist or are no longer repositories
// and returns them.
func (c *Config) Clean() []string {
	var kept, removed []string
	for _, f := range c.WatchingFolders {
		if fs.IsRepository(f) {
			kept = append(kept, f)
		} else {
			removed = append(removed, f)
		}
	}
	c.WatchingFolders = kept
	return removed
}

// ClearWatchingFolders stops watching everything.
func (c *Config) ClearWatchingFolders() {
	c.WatchingFolders = nil
}

// SetBackupFrequency sets the cycle interval, rounded down to whole seconds.
func (c *Config) SetBackupFrequency(d time.Duration) error {
	if d < time.Second {
		return fmt.Errorf("%w: backup frequency must be at least 1s, got %s", pal.ErrConfiguration, d)
	}
	c.BackupFrequency = int(d / time.Second)
	return nil
}

// SetChangeDetectionBuffer sets the quiescence buffer, rounded down to whole seconds.
func (c *Config) SetChangeDetectionBuffer(d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("%w: change detection buffer must not be negative, got %s", pal.ErrConfiguration, d)
	}
	c.ChangeDetectionBuffer = int(d / time.Second)
	return nil
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader. Omitted scalar settings
// keep their defaults.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	cfg := withDefaults()
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault reads path, or returns NewConfig(baseDir) if it does not exist.
func LoadOrDefault(path, baseDir string) (*Config, error) {
	cfg, err := ReadFromFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return NewConfig(baseDir), nil
	}
	return cfg, err
}

// Save writes cfg to path atomically: the new content goes to a temporary
// file in the same directory which then replaces path.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp config file: %w", err)
	}
	defer os.Remove(tmp.Name())

	m := &Manager{}
	if err := m.Write(tmp, cfg); err != nil {
		tmp.Close()
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp config file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replacing config file: %w", err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := Save(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}

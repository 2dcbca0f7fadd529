package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Config is the immutable runtime configuration. It is resolved once at
// startup and injected into the HTTP handler; nothing mutates it afterwards.
type Config struct {
	// Root is the directory tree served by sharedrop.
	// Default: the user's Downloads folder.
	Root string `json:"root" mapstructure:"root"`

	// StateDir holds upload staging files and the thumbnail cache.
	// Default: <root>/.sharedrop
	StateDir string `json:"stateDir" mapstructure:"state"`

	// Port is the HTTP listen port. Default: 8000.
	Port int `json:"port" mapstructure:"port"`

	// Host is the listen host. Empty means all interfaces.
	Host string `json:"host" mapstructure:"host"`

	// PasswordBcrypt is the bcrypt hash of the shared access password.
	// Empty disables the password gate.
	PasswordBcrypt string `json:"passwordBcrypt" mapstructure:"password_bcrypt"`
}

const DefaultPort = 8000

// DefaultRoot returns the user's Downloads folder, falling back to the
// current directory when the home dir cannot be determined.
func DefaultRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, "Downloads")
}

// Resolve fills defaults, makes Root absolute, and verifies it exists.
func (c *Config) Resolve() error {
	if c.Root == "" {
		c.Root = DefaultRoot()
	}
	abs, err := filepath.Abs(c.Root)
	if err != nil {
		return fmt.Errorf("abs root: %w", err)
	}
	c.Root = abs
	st, err := os.Stat(c.Root)
	if err != nil {
		return fmt.Errorf("root %s: %w", c.Root, err)
	}
	if !st.IsDir() {
		return fmt.Errorf("root %s: not a directory", c.Root)
	}
	if c.StateDir == "" {
		c.StateDir = filepath.Join(c.Root, ".sharedrop")
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	return os.MkdirAll(c.StateDir, 0o755)
}

// Addr returns the host:port the server listens on.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// HasPassword reports whether the password gate is enabled.
func (c *Config) HasPassword() bool {
	return c.PasswordBcrypt != ""
}

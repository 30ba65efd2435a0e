/*******************************************************************************
 * Copyright (c) 2026 Genome Research Ltd.
 *
 * Authors:
 *   Sendu Bala <sb10@sanger.ac.uk>
 *
 * Permission is hereby granted, free of charge, to any person obtaining
 * a copy of this software and associated documentation files (the
 * "Software"), to deal in the Software without restriction, including
 * without limitation the rights to use, copy, modify, merge, publish,
 * distribute, sublicense, and/or sell copies of the Software, and to
 * permit persons to whom the Software is furnished to do so, subject to
 * the following conditions:
 *
 * The above copyright notice and this permission notice shall be included
 * in all copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND,
 * EXPRESS OR IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF
 * MERCHANTABILITY, FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT.
 * IN NO EVENT SHALL THE AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY
 * CLAIM, DAMAGES OR OTHER LIABILITY, WHETHER IN AN ACTION OF CONTRACT,
 * TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN CONNECTION WITH THE
 * SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
 ******************************************************************************/

package engine

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/wtsi-hgi/forumstore/policy"
	"github.com/wtsi-hgi/forumstore/store"
	"github.com/wtsi-hgi/forumstore/version"
	"gopkg.in/yaml.v3"
)

// Environment variables that override the config file.
const (
	EnvActivePath   = "FORUMSTORE_ACTIVE_PATH"
	EnvScratchDir   = "FORUMSTORE_SCRATCH_DIR"
	EnvSwapAttempts = "FORUMSTORE_SWAP_ATTEMPTS"
	EnvGraceDelay   = "FORUMSTORE_GRACE_DELAY"
)

// EnvKeys are all the environment variables LoadConfig looks at.
var EnvKeys = []string{EnvActivePath, EnvScratchDir, EnvSwapAttempts, EnvGraceDelay} //nolint:gochecknoglobals

const (
	registryFile = "versions.db"

	defaultSwapAttempts    = 5
	defaultBaseDelay       = 200 * time.Millisecond
	defaultMaxDelay        = 5 * time.Second
	defaultSwapBudget      = time.Minute
	defaultGrace           = 10 * time.Second
	defaultCleanupRetry    = 30 * time.Second
	defaultCleanupAttempts = 5
)

var (
	errRequired            = errors.New("required")
	errNotPositive         = errors.New("must be greater than 0")
	errNegative            = errors.New("must not be negative")
	errDelayOrder          = errors.New("base_delay must not exceed max_delay")
	errScratchIsActive     = errors.New("must not be the same as active_path")
	errScratchNotRenamable = errors.New("must be on the same filesystem as active_path")
)

// Config configures an Engine.
type Config struct {
	ActivePath   string            `yaml:"active_path"`
	ScratchDir   string            `yaml:"scratch_dir"`
	RegistryPath string            `yaml:"registry_path"`
	Protected    []string          `yaml:"protected"`
	Policies     map[string]string `yaml:"policies"`
	AllowClear   []string          `yaml:"allow_clear"`
	FailFast     bool              `yaml:"fail_fast"`
	Scripts      []string          `yaml:"scripts"`
	Swap         SwapConfig        `yaml:"swap"`
	Cleanup      CleanupConfig     `yaml:"cleanup"`

	// RetainBackups is how many of the newest backups to keep for RollbackTo.
	RetainBackups int `yaml:"retain_backups"`
}

// SwapConfig holds the rename retry settings.
type SwapConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Budget      time.Duration `yaml:"budget"`
}

// CleanupConfig holds the deferred deletion settings.
type CleanupConfig struct {
	Grace       time.Duration `yaml:"grace"`
	Retry       time.Duration `yaml:"retry"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// LoadConfig reads a YAML config file, applies any environment overrides and
// defaults, and validates the result. An empty path means configuration comes
// from the environment alone.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, version.NewConfigError("file", err)
		}

		if err = yaml.Unmarshal(data, cfg); err != nil {
			return nil, version.NewConfigError("file", fmt.Errorf("%s: %w", path, err))
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := strings.TrimSpace(os.Getenv(EnvActivePath)); v != "" {
		c.ActivePath = v
	}

	if v := strings.TrimSpace(os.Getenv(EnvScratchDir)); v != "" {
		c.ScratchDir = v
	}

	if v := strings.TrimSpace(os.Getenv(EnvSwapAttempts)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return version.NewConfigError("swap.max_attempts", fmt.Errorf("invalid %s: %w", EnvSwapAttempts, err))
		}

		c.Swap.MaxAttempts = n
	}

	if v := strings.TrimSpace(os.Getenv(EnvGraceDelay)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return version.NewConfigError("cleanup.grace", fmt.Errorf("invalid %s: %w", EnvGraceDelay, err))
		}

		c.Cleanup.Grace = d
	}

	return nil
}

// SetDefaults fills in every unset optional field.
func (c *Config) SetDefaults() {
	if c.RegistryPath == "" && c.ScratchDir != "" {
		c.RegistryPath = filepath.Join(c.ScratchDir, registryFile)
	}

	setDefault(&c.Swap.MaxAttempts, defaultSwapAttempts)
	setDefault(&c.Swap.BaseDelay, defaultBaseDelay)
	setDefault(&c.Swap.MaxDelay, defaultMaxDelay)
	setDefault(&c.Swap.Budget, defaultSwapBudget)
	setDefault(&c.Cleanup.Grace, defaultGrace)
	setDefault(&c.Cleanup.Retry, defaultCleanupRetry)
	setDefault(&c.Cleanup.MaxAttempts, defaultCleanupAttempts)
}

func setDefault[T int | time.Duration](field *T, def T) {
	if *field == 0 {
		*field = def
	}
}

// Validate checks the config without touching the filesystem, returning a
// *version.ConfigError describing the first problem found.
func (c *Config) Validate() error {
	if c.ActivePath == "" {
		return version.NewConfigError("active_path", errRequired)
	}

	if c.ScratchDir == "" {
		return version.NewConfigError("scratch_dir", errRequired)
	}

	if filepath.Clean(c.ScratchDir) == filepath.Clean(c.ActivePath) {
		return version.NewConfigError("scratch_dir", errScratchIsActive)
	}

	if err := c.validateNumbers(); err != nil {
		return err
	}

	if _, err := c.PolicyMap(); err != nil {
		return err
	}

	for _, name := range slices.Concat(c.Protected, c.AllowClear) {
		if _, err := store.ParseIdent(name); err != nil {
			return version.NewConfigError("protected", err)
		}
	}

	return nil
}

func (c *Config) validateNumbers() error {
	switch {
	case c.Swap.MaxAttempts < 1:
		return version.NewConfigError("swap.max_attempts", errNotPositive)
	case c.Swap.BaseDelay < 0:
		return version.NewConfigError("swap.base_delay", errNegative)
	case c.Swap.BaseDelay > c.Swap.MaxDelay:
		return version.NewConfigError("swap.max_delay", errDelayOrder)
	case c.Swap.Budget < 0:
		return version.NewConfigError("swap.budget", errNegative)
	case c.Cleanup.Grace < 0:
		return version.NewConfigError("cleanup.grace", errNegative)
	case c.Cleanup.Retry < 0:
		return version.NewConfigError("cleanup.retry", errNegative)
	case c.Cleanup.MaxAttempts < 1:
		return version.NewConfigError("cleanup.max_attempts", errNotPositive)
	case c.RetainBackups < 0:
		return version.NewConfigError("retain_backups", errNegative)
	}

	return nil
}

// PolicyMap parses the configured policies.
func (c *Config) PolicyMap() (policy.Map, error) {
	return policy.ParseMap(c.Policies)
}

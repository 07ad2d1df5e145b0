// Package config loads sr settings and parses the small config formats
// carried inside sources: markdown frontmatter and .sr.config files.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// Settings is the validated application configuration.
type Settings struct {
	SRDir      string `koanf:"sr_dir" validate:"required"`
	DBPath     string `koanf:"db_path" validate:"required"`
	Scheduler  string `koanf:"scheduler" validate:"required"`
	ListenAddr string `koanf:"listen_addr" validate:"required"`
	ReviewPort int    `koanf:"review_port" validate:"required,min=1,max=65535"`
}

// DefaultSRDir is where card database and scheduler state live unless
// overridden: ~/.local/share/sr.
func DefaultSRDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "sr"
	}
	return filepath.Join(home, ".local", "share", "sr")
}

// Load layers settings: defaults, then settings.yaml in the sr directory,
// then SR_* environment variables, then command-line flags.
func Load(flags *pflag.FlagSet) (*Settings, error) {
	k := koanf.New(".")

	srDir := DefaultSRDir()
	if flags != nil {
		if v, err := flags.GetString("sr-dir"); err == nil && v != "" {
			srDir = v
		}
	}
	if v := os.Getenv("SR_SR_DIR"); v != "" {
		srDir = v
	}

	defaults := map[string]any{
		"sr_dir":      srDir,
		"db_path":     filepath.Join(srDir, "sr.db"),
		"scheduler":   "sm2",
		"listen_addr": "127.0.0.1",
		"review_port": 8791,
	}
	for key, val := range defaults {
		if err := k.Set(key, val); err != nil {
			return nil, fmt.Errorf("failed to set default %s: %w", key, err)
		}
	}

	settingsPath := filepath.Join(srDir, "settings.yaml")
	if _, err := os.Stat(settingsPath); err == nil {
		if err := k.Load(file.Provider(settingsPath), kyaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", settingsPath, err)
		}
	}

	if err := k.Load(env.Provider("SR_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "SR_"))
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment settings: %w", err)
	}

	if flags != nil {
		if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
			return nil, fmt.Errorf("failed to load flag settings: %w", err)
		}
	}

	var s Settings
	if err := k.Unmarshal("", &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
	}

	if err := validator.New().Struct(&s); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	return &s, nil
}

// ParseFrontmatter splits YAML frontmatter off markdown text. Returns nil
// metadata when the document has no frontmatter block.
func ParseFrontmatter(text string) (map[string]any, string, error) {
	if !strings.HasPrefix(text, "---") {
		return nil, text, nil
	}
	end := strings.Index(text[3:], "\n---")
	if end == -1 {
		return nil, text, nil
	}
	block := text[3 : end+3]
	body := strings.TrimSpace(text[end+3+4:])

	meta, err := kyaml.Parser().Unmarshal([]byte(block))
	if err != nil {
		return nil, "", fmt.Errorf("failed to parse frontmatter: %w", err)
	}
	return meta, body, nil
}

// ParseKeyValues parses the flat key = value format of .sr.config files.
// Values may be quoted strings, integers or booleans.
func ParseKeyValues(text string) map[string]any {
	result := map[string]any{}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)
		switch {
		case strings.HasPrefix(val, `"`) && strings.HasSuffix(val, `"`) && len(val) >= 2:
			result[key] = val[1 : len(val)-1]
		case val == "true":
			result[key] = true
		case val == "false":
			result[key] = false
		default:
			if n, err := strconv.Atoi(val); err == nil {
				result[key] = n
			} else {
				result[key] = val
			}
		}
	}
	return result
}

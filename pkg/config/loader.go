package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tailscale/hujson"
	"gopkg.in/yaml.v3"
)

// Config file names probed in each directory, in priority order.
var configFileNames = []string{
	"mcp-servers.json",
	".mcp-servers.json",
	"toolgate.yaml",
	"toolgate.yml",
}

// jsonConfigFile is the shape of an mcp-servers.json file. The file may
// contain comments and trailing commas (parsed via hujson).
type jsonConfigFile struct {
	Servers map[string]*ServerConfig `json:"mcpServers"`
}

// yamlConfigFile is the shape of a toolgate.yaml file.
type yamlConfigFile struct {
	Servers map[string]*ServerConfig `yaml:"servers"`
}

// LoadConfigs discovers and loads server configurations for the given working
// directory. Discovery walks from cwd toward the filesystem root taking the
// nearest config file, then merges ~/.toolgate/<file> underneath it (project
// entries win). Disabled servers are dropped. The result maps server name to
// config and is safe to mutate in place.
func LoadConfigs(cwd string) (map[string]*ServerConfig, error) {
	if cwd == "" {
		var err error
		cwd, err = os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolving working directory: %w", err)
		}
	}

	configs := make(map[string]*ServerConfig)

	// Home-level configs first so project entries overwrite them.
	if home, err := os.UserHomeDir(); err == nil {
		if path := probeDir(filepath.Join(home, ".toolgate")); path != "" {
			loaded, err := LoadFile(path)
			if err != nil {
				return nil, err
			}
			mergeConfigs(configs, loaded)
		}
	}

	if path := FindConfigFile(cwd); path != "" {
		loaded, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		mergeConfigs(configs, loaded)
	}

	if err := Normalize(configs); err != nil {
		return nil, err
	}
	return configs, nil
}

// Normalize drops disabled servers, expands environment references, and
// validates every remaining entry, mutating the map in place.
func Normalize(configs map[string]*ServerConfig) error {
	for name, cfg := range configs {
		if cfg == nil || !cfg.IsEnabled() {
			delete(configs, name)
			continue
		}
		expandEnv(cfg)
		if err := ValidateServer(name, cfg); err != nil {
			return err
		}
	}
	return nil
}

// FindConfigFile walks from dir toward the root and returns the first config
// file found, or "" if none exists.
func FindConfigFile(dir string) string {
	for {
		if path := probeDir(dir); path != "" {
			return path
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func probeDir(dir string) string {
	for _, name := range configFileNames {
		path := filepath.Join(dir, name)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path
		}
	}
	return ""
}

// LoadFile parses a single config file. JSON files may carry comments and
// trailing commas; YAML files use the toolgate.yaml schema.
func LoadFile(path string) (map[string]*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		var file yamlConfigFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		return file.Servers, nil
	default:
		standardized, err := hujson.Standardize(data)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		var file jsonConfigFile
		if err := json.Unmarshal(standardized, &file); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		return file.Servers, nil
	}
}

func mergeConfigs(dst, src map[string]*ServerConfig) {
	for name, cfg := range src {
		if cfg != nil {
			dst[name] = cfg
		}
	}
}

// expandEnv expands ${VAR} references in string values so secrets can live in
// the environment rather than the config file.
func expandEnv(c *ServerConfig) {
	c.Command = os.ExpandEnv(c.Command)
	c.URL = os.ExpandEnv(c.URL)
	for i := range c.Args {
		c.Args[i] = os.ExpandEnv(c.Args[i])
	}
	for i := range c.ExtraArgs {
		c.ExtraArgs[i] = os.ExpandEnv(c.ExtraArgs[i])
	}
	for k, v := range c.Env {
		c.Env[k] = os.ExpandEnv(v)
	}
	for k, v := range c.Headers {
		c.Headers[k] = os.ExpandEnv(v)
	}
}

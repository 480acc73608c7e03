// Package config loads the controller's top-level configuration. A
// fixed search path of YAML files is read in order and merged
// recursively (maps merge, lists append, scalars replace), so site
// defaults, per-host overrides and an explicit --config file can
// layer cleanly.
package config

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/pithecene-io/coco/apierror"
	"github.com/pithecene-io/coco/slack"
	"github.com/pithecene-io/coco/types"
)

// EnvConfigFile names an extra config file, read after the fixed
// search path but before the --config flag.
const EnvConfigFile = "COCO_CONFIG_FILE"

// searchPaths are read in order; later files win.
var searchPaths = []string{
	"/etc/coco/coco.conf",
	"/etc/xdg/coco/coco.conf",
}

// Duration decodes YAML scalars given as plain seconds or "<N>h<N>m<N>s".
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw any
	if err := value.Decode(&raw); err != nil {
		return err
	}
	dur, err := types.ParseDeltaValue(raw)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// Config is the merged top-level configuration.
type Config struct {
	Host             string              `yaml:"host"`
	Port             int                 `yaml:"port"`
	MetricsPort      int                 `yaml:"metrics_port"`
	LogLevel         string              `yaml:"log_level"`
	EndpointDir      string              `yaml:"endpoint_dir"`
	NWorkers         int                 `yaml:"n_workers"`
	SessionLimit     int                 `yaml:"session_limit"`
	BlocklistPath    string              `yaml:"blocklist_path"`
	StoragePath      string              `yaml:"storage_path"`
	Groups           map[string][]string `yaml:"groups"`
	LoadState        map[string]string   `yaml:"load_state"`
	SlackToken       string              `yaml:"slack_token"`
	SlackRules       []slack.Rule        `yaml:"slack_rules"`
	QueueLength      int64               `yaml:"queue_length"`
	Timeout          Duration            `yaml:"timeout"`
	FrontendTimeout  Duration            `yaml:"frontend_timeout"`
	ExcludeFromReset []string            `yaml:"exclude_from_reset"`
	RedisURL         string              `yaml:"redis_url"`
}

// Load reads and merges every config file on the search path, the
// $COCO_CONFIG_FILE file, and finally the explicit path (from the
// --config flag; empty to skip). At least one file must exist.
func Load(explicit string) (*Config, error) {
	paths := append([]string{}, searchPaths...)
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "coco", "coco.conf"))
	}
	if env := os.Getenv(EnvConfigFile); env != "" {
		paths = append(paths, env)
	}
	if explicit != "" {
		paths = append(paths, explicit)
	}

	merged := map[string]any{}
	found := false
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			if path == explicit {
				return nil, apierror.Configf("config file %s does not exist", path)
			}
			continue
		}
		if err != nil {
			return nil, apierror.Configf("could not read config file %s: %v", path, err)
		}
		var tree map[string]any
		if err := yaml.Unmarshal([]byte(ExpandEnv(string(data))), &tree); err != nil {
			return nil, apierror.Configf("could not parse config file %s: %v", path, err)
		}
		merged = mergeTree(merged, tree)
		found = true
	}
	if !found {
		return nil, apierror.Configf("no config file found (searched %v)", paths)
	}

	data, err := yaml.Marshal(merged)
	if err != nil {
		return nil, apierror.Configf("could not re-encode merged config: %v", err)
	}
	conf := defaults()
	if err := yaml.Unmarshal(data, conf); err != nil {
		return nil, apierror.Configf("invalid configuration: %v", err)
	}
	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func defaults() *Config {
	return &Config{
		Port:            12055,
		MetricsPort:     9090,
		LogLevel:        "INFO",
		NWorkers:        1,
		SessionLimit:    1000,
		Timeout:         Duration{10 * time.Second},
		FrontendTimeout: Duration{10 * time.Minute},
		RedisURL:        "redis://localhost:6379/0",
	}
}

// validate collects every missing required key into one fatal error.
func (c *Config) validate() error {
	var missing []string
	if c.Host == "" {
		missing = append(missing, "host")
	}
	if c.EndpointDir == "" {
		missing = append(missing, "endpoint_dir")
	}
	if len(c.Groups) == 0 {
		missing = append(missing, "groups")
	}
	if c.BlocklistPath == "" {
		missing = append(missing, "blocklist_path")
	}
	if c.StoragePath == "" {
		missing = append(missing, "storage_path")
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return apierror.Config("configuration is missing required keys", missing)
	}
	if _, err := c.ZapLevel(); err != nil {
		return apierror.Configf("invalid log_level '%s'", c.LogLevel)
	}
	return nil
}

// ZapLevel parses log_level.
func (c *Config) ZapLevel() (zapcore.Level, error) {
	var level zapcore.Level
	err := level.Set(strings.ToLower(c.LogLevel))
	return level, err
}

// GroupHosts parses the configured groups into host lists.
func (c *Config) GroupHosts() (map[string][]types.Host, error) {
	groups := make(map[string][]types.Host, len(c.Groups))
	for name, entries := range c.Groups {
		hosts := make([]types.Host, 0, len(entries))
		for _, entry := range entries {
			h, err := types.NewHost(entry)
			if err != nil {
				return nil, apierror.Configf("group '%s': %v", name, err)
			}
			if !h.HasPort() {
				return nil, apierror.Configf("group '%s': host '%s' has no port", name, entry)
			}
			hosts = append(hosts, h)
		}
		groups[name] = hosts
	}
	return groups, nil
}

// mergeTree merges b into a: maps merge recursively, lists append,
// scalars from b replace a.
func mergeTree(a, b map[string]any) map[string]any {
	out := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, vb := range b {
		if va, ok := out[k]; ok {
			if ma, ok := va.(map[string]any); ok {
				if mb, ok := vb.(map[string]any); ok {
					out[k] = mergeTree(ma, mb)
					continue
				}
			}
			if la, ok := va.([]any); ok {
				if lb, ok := vb.([]any); ok {
					out[k] = append(append([]any{}, la...), lb...)
					continue
				}
			}
		}
		out[k] = vb
	}
	return out
}

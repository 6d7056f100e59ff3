package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// UnmarshalYAML accepts either a mapping or a bare target string, so that
// `/foo: http://localhost:4567` is shorthand for `/foo: {target: ...}`.
func (r *ProxyRule) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*r = ProxyRule{Target: node.Value}
		return nil
	}
	type plain ProxyRule
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*r = ProxyRule(p)
	return nil
}

// UnmarshalYAML accepts a bare plugin name, so `plugins: [vue]` works.
func (p *PluginConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*p = PluginConfig{Name: node.Value}
		return nil
	}
	type plain PluginConfig
	var v plain
	if err := node.Decode(&v); err != nil {
		return err
	}
	*p = PluginConfig(v)
	return nil
}

// Load reads and parses a YAML configuration file at path.
// If path does not exist or is empty, it returns Default() with no errors.
// If the YAML is malformed, it returns nil config with a parse error.
// For validation errors, it returns a valid config with invalid entries stripped
// plus errors describing what was removed.
func Load(path string) (*Config, []error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, []error{fmt.Errorf("failed to read config file: %w", err)}
	}

	if len(strings.TrimSpace(string(data))) == 0 {
		return Default(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, []error{fmt.Errorf("failed to parse config YAML: %w", err)}
	}

	applyDefaults(&cfg)

	var validationErrors []error
	validationErrors = append(validationErrors, validatePlugins(&cfg)...)
	validationErrors = append(validationErrors, validateServer(&cfg)...)
	validationErrors = append(validationErrors, validateProxy(&cfg)...)
	validationErrors = append(validationErrors, validateHealth(&cfg)...)

	return &cfg, validationErrors
}

func validatePlugins(cfg *Config) []error {
	var errs []error
	valid := make([]PluginConfig, 0, len(cfg.Plugins))
	seen := make(map[string]struct{}, len(cfg.Plugins))
	for i, p := range cfg.Plugins {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("plugins[%d].name: required field missing", i))
			continue
		}
		if !KnownPlugin(name) {
			errs = append(errs, fmt.Errorf("plugins[%d].name: unknown plugin %q", i, name))
			continue
		}
		if _, dup := seen[name]; dup {
			errs = append(errs, fmt.Errorf("plugins[%d].name: duplicate plugin %q", i, name))
			continue
		}
		seen[name] = struct{}{}
		p.Name = name
		valid = append(valid, p)
	}
	cfg.Plugins = valid
	return errs
}

func validateServer(cfg *Config) []error {
	var errs []error
	if !strings.HasPrefix(cfg.Server.Base, "/") {
		errs = append(errs, fmt.Errorf("server.base: must start with '/', got %q", cfg.Server.Base))
		cfg.Server.Base = DefaultBase
	}
	if up := strings.TrimSpace(cfg.Server.Upstream); up != "" {
		if err := validateHTTPURL(up); err != nil {
			errs = append(errs, fmt.Errorf("server.upstream: %w", err))
			cfg.Server.Upstream = ""
		}
	}
	return errs
}

func validateProxy(cfg *Config) []error {
	if len(cfg.Server.Proxy) == 0 {
		return nil
	}

	// Sorted keys keep error ordering stable across runs.
	keys := make([]string, 0, len(cfg.Server.Proxy))
	for k := range cfg.Server.Proxy {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var errs []error
	valid := make(map[string]ProxyRule, len(keys))
	for _, key := range keys {
		rule := cfg.Server.Proxy[key]
		if ruleErrs := validateRule(key, rule); len(ruleErrs) > 0 {
			errs = append(errs, ruleErrs...)
			continue
		}
		valid[key] = rule
	}
	cfg.Server.Proxy = valid
	return errs
}

func validateRule(key string, rule ProxyRule) []error {
	var errs []error
	field := func(name string) string {
		return fmt.Sprintf("server.proxy[%q].%s", key, name)
	}

	switch {
	case strings.HasPrefix(key, "^"):
		if _, err := regexp.Compile(key); err != nil {
			errs = append(errs, fmt.Errorf("server.proxy[%q]: invalid context pattern: %w", key, err))
		}
		if rule.StripPrefix {
			errs = append(errs, fmt.Errorf("%s: requires a literal prefix context", field("stripPrefix")))
		}
	case strings.HasPrefix(key, "/"):
	default:
		errs = append(errs, fmt.Errorf("server.proxy[%q]: context must start with '/' or '^'", key))
	}

	target := strings.TrimSpace(rule.Target)
	if target == "" {
		errs = append(errs, fmt.Errorf("%s: required field missing", field("target")))
	} else if err := validateTarget(target); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", field("target"), err))
	}

	if rule.Rewrite != nil {
		if rule.StripPrefix {
			errs = append(errs, fmt.Errorf("%s: cannot be combined with stripPrefix", field("rewrite")))
		}
		if rule.Rewrite.From == "" {
			errs = append(errs, fmt.Errorf("%s: required field missing", field("rewrite.from")))
		} else if _, err := regexp.Compile(rule.Rewrite.From); err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid pattern: %w", field("rewrite.from"), err))
		}
	}

	if rule.Timeout != "" {
		d, err := time.ParseDuration(rule.Timeout)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid duration %q: %w", field("timeout"), rule.Timeout, err))
		} else if d <= 0 {
			errs = append(errs, fmt.Errorf("%s: must be positive, got %q", field("timeout"), rule.Timeout))
		}
	}

	return errs
}

func validateTarget(target string) error {
	u, err := url.Parse(target)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", target, err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
		if u.Host == "" {
			return fmt.Errorf("missing host in %q", target)
		}
	case "k8s":
		if u.Host == "" || strings.Trim(u.Path, "/") == "" {
			return fmt.Errorf("expected k8s://namespace/service:port, got %q", target)
		}
	default:
		return fmt.Errorf("unsupported scheme %q in %q", u.Scheme, target)
	}
	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}
	return nil
}

func validateHealth(cfg *Config) []error {
	var errs []error
	if d, err := time.ParseDuration(cfg.Health.Interval); err != nil || d < time.Second {
		errs = append(errs, fmt.Errorf("health.interval: must be a duration of at least 1s, got %q", cfg.Health.Interval))
		cfg.Health.Interval = DefaultHealthInterval
	}
	if d, err := time.ParseDuration(cfg.Health.Timeout); err != nil || d <= 0 {
		errs = append(errs, fmt.Errorf("health.timeout: must be a positive duration, got %q", cfg.Health.Timeout))
		cfg.Health.Timeout = DefaultHealthTimeout
	}
	if cfg.Health.Path != "" && !strings.HasPrefix(cfg.Health.Path, "/") {
		errs = append(errs, fmt.Errorf("health.path: must start with '/', got %q", cfg.Health.Path))
		cfg.Health.Path = ""
	}
	return errs
}

// IntervalDuration returns the parsed probe interval.
func (h HealthConfig) IntervalDuration() time.Duration {
	d, err := time.ParseDuration(h.Interval)
	if err != nil {
		d, _ = time.ParseDuration(DefaultHealthInterval)
	}
	return d
}

// TimeoutDuration returns the parsed probe timeout.
func (h HealthConfig) TimeoutDuration() time.Duration {
	d, err := time.ParseDuration(h.Timeout)
	if err != nil {
		d, _ = time.ParseDuration(DefaultHealthTimeout)
	}
	return d
}

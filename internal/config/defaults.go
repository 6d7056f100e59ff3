package config

// Defaults applied to fields the config file leaves empty.
const (
	DefaultListen         = ":5173"
	DefaultBase           = "/"
	DefaultRoot           = "dist"
	DefaultHealthInterval = "30s"
	DefaultHealthTimeout  = "5s"
)

// Default returns the configuration used when no config file is present:
// the vue plugin and a single /api rule forwarding to the local backend
// with the prefix stripped and the Host header rewritten.
func Default() *Config {
	return &Config{
		Plugins: []PluginConfig{{Name: PluginVue}},
		Server: ServerConfig{
			Listen: DefaultListen,
			Base:   DefaultBase,
			Root:   DefaultRoot,
			Proxy: map[string]ProxyRule{
				"/api": {
					Target:       "http://localhost:8081",
					ChangeOrigin: true,
					Rewrite:      &RewriteConfig{From: "^/api", To: ""},
				},
			},
		},
		Health: HealthConfig{
			Interval: DefaultHealthInterval,
			Timeout:  DefaultHealthTimeout,
		},
	}
}

// applyDefaults fills fields the file left out. An omitted or null plugins
// key means the default vue plugin; an explicit empty list disables plugins.
func applyDefaults(cfg *Config) {
	if cfg.Plugins == nil {
		cfg.Plugins = []PluginConfig{{Name: PluginVue}}
	}
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = DefaultListen
	}
	if cfg.Server.Base == "" {
		cfg.Server.Base = DefaultBase
	}
	if cfg.Server.Root == "" {
		cfg.Server.Root = DefaultRoot
	}
	if cfg.Health.Interval == "" {
		cfg.Health.Interval = DefaultHealthInterval
	}
	if cfg.Health.Timeout == "" {
		cfg.Health.Timeout = DefaultHealthTimeout
	}
}

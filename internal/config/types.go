package config

// Plugin names understood by the dev server.
const (
	PluginVue  = "vue"
	PluginCORS = "cors"
)

var knownPlugins = map[string]struct{}{
	PluginVue:  {},
	PluginCORS: {},
}

// KnownPlugin reports whether name refers to a built-in plugin.
func KnownPlugin(name string) bool {
	_, ok := knownPlugins[name]
	return ok
}

// Config is the top-level configuration parsed from the YAML config file.
type Config struct {
	Plugins []PluginConfig `yaml:"plugins" json:"plugins"`
	Server  ServerConfig   `yaml:"server"  json:"server"`
	Health  HealthConfig   `yaml:"health"  json:"health"`
}

// PluginConfig activates a built-in plugin. Activation order is significant.
type PluginConfig struct {
	Name    string            `yaml:"name"    json:"name"`
	Options map[string]string `yaml:"options" json:"options,omitempty"`
}

// ServerConfig describes the dev server and its proxy table.
type ServerConfig struct {
	Listen   string               `yaml:"listen"   json:"listen"`
	Base     string               `yaml:"base"     json:"base"`
	Root     string               `yaml:"root"     json:"root"`
	Upstream string               `yaml:"upstream" json:"upstream,omitempty"`
	Proxy    map[string]ProxyRule `yaml:"proxy"    json:"proxy"`
}

// ProxyRule forwards requests whose path matches the rule's key to Target.
type ProxyRule struct {
	Target       string            `yaml:"target"       json:"target"`
	ChangeOrigin bool              `yaml:"changeOrigin" json:"changeOrigin"`
	Rewrite      *RewriteConfig    `yaml:"rewrite"      json:"rewrite,omitempty"`
	StripPrefix  bool              `yaml:"stripPrefix"  json:"stripPrefix,omitempty"`
	WS           bool              `yaml:"ws"           json:"ws,omitempty"`
	Secure       *bool             `yaml:"secure"       json:"secure,omitempty"`
	XFwd         bool              `yaml:"xfwd"         json:"xfwd,omitempty"`
	Headers      map[string]string `yaml:"headers"      json:"headers,omitempty"`
	Timeout      string            `yaml:"timeout"      json:"timeout,omitempty"`
}

// RewriteConfig replaces the first match of From in the request path with To.
// To may reference capture groups as $1 or $<name>.
type RewriteConfig struct {
	From string `yaml:"from" json:"from"`
	To   string `yaml:"to"   json:"to"`
}

// HealthConfig controls target reachability probing.
type HealthConfig struct {
	Interval string `yaml:"interval" json:"interval"`
	Timeout  string `yaml:"timeout"  json:"timeout"`
	Path     string `yaml:"path"     json:"path,omitempty"`
}

// VerifyTLS reports whether certificates of an https target must be verified.
func (r ProxyRule) VerifyTLS() bool {
	return r.Secure == nil || *r.Secure
}

package config

import (
	"maps"
	"reflect"
	"slices"
)

// ProxyDiff lists the proxy contexts that changed between two configs.
type ProxyDiff struct {
	Added   []string
	Removed []string
	Updated []string
}

// Empty reports whether the diff contains no changes.
func (d ProxyDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Updated) == 0
}

// DiffProxy compares the proxy tables of oldCfg and newCfg. Each slice is sorted.
func DiffProxy(oldCfg, newCfg *Config) ProxyDiff {
	// Parse failures should not be reported as every rule being removed.
	if newCfg == nil {
		return ProxyDiff{}
	}

	var oldRules map[string]ProxyRule
	if oldCfg != nil {
		oldRules = oldCfg.Server.Proxy
	}
	newRules := newCfg.Server.Proxy

	var d ProxyDiff
	for _, key := range slices.Sorted(maps.Keys(newRules)) {
		oldRule, exists := oldRules[key]
		switch {
		case !exists:
			d.Added = append(d.Added, key)
		case !reflect.DeepEqual(oldRule, newRules[key]):
			d.Updated = append(d.Updated, key)
		}
	}
	for _, key := range slices.Sorted(maps.Keys(oldRules)) {
		if _, exists := newRules[key]; !exists {
			d.Removed = append(d.Removed, key)
		}
	}
	return d
}

// RestartRequired reports which settings changed that only take effect after
// a restart.
func RestartRequired(oldCfg, newCfg *Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var fields []string
	if oldCfg.Server.Listen != newCfg.Server.Listen {
		fields = append(fields, "server.listen")
	}
	if oldCfg.Server.Base != newCfg.Server.Base {
		fields = append(fields, "server.base")
	}
	if oldCfg.Server.Root != newCfg.Server.Root {
		fields = append(fields, "server.root")
	}
	if oldCfg.Server.Upstream != newCfg.Server.Upstream {
		fields = append(fields, "server.upstream")
	}
	if !reflect.DeepEqual(oldCfg.Plugins, newCfg.Plugins) {
		fields = append(fields, "plugins")
	}
	if oldCfg.Health != newCfg.Health {
		fields = append(fields, "health")
	}
	return fields
}

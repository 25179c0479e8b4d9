package config

import (
	"reflect"

	"lapse/pkg/logx"
)

// Change describes which sections differ between two snapshots.
type Change struct {
	// Live sections are applied without a restart.
	Live []string
	// Restart sections only take effect after the daemon restarts.
	Restart []string
}

func (c Change) Empty() bool { return len(c.Live) == 0 && len(c.Restart) == 0 }

// Fields renders the change for logging. Secrets are never included.
func (c Change) Fields() []logx.Field {
	return []logx.Field{logx.Strs("live", c.Live), logx.Strs("restart_required", c.Restart)}
}

// SummarizeChange compares two snapshots section by section.
func SummarizeChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change
	live := func(name string, a, b any) {
		if !reflect.DeepEqual(a, b) {
			ch.Live = append(ch.Live, name)
		}
	}
	restart := func(name string, a, b any) {
		if !reflect.DeepEqual(a, b) {
			ch.Restart = append(ch.Restart, name)
		}
	}

	live("logging", oldCfg.Logging, newCfg.Logging)
	// New announcement settings apply to Managers created afterwards.
	live("announcements", oldCfg.Announcements, newCfg.Announcements)
	live("policies.resync", oldCfg.Policies.Resync, newCfg.Policies.Resync)
	restart("policies.dir", oldCfg.PolicyDir(), newCfg.PolicyDir())
	restart("publisher", oldCfg.Publisher, newCfg.Publisher)
	restart("forwarder", oldCfg.Forwarder, newCfg.Forwarder)
	restart("storage", oldCfg.Storage, newCfg.Storage)
	restart("http", oldCfg.HTTP, newCfg.HTTP)
	return ch
}

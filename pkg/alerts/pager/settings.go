// Package pager holds the alert delivery plugins. Importing it registers
// the log, exec, mandrill, nats and kafka pager types with pkg/alerts.
package pager

import (
	"strings"

	"github.com/ryandielhenn/babysitter/internal/config"
)

// setting returns cfg.Settings[key], or def when unset.
func setting(cfg config.PagerConfiguration, key, def string) string {
	if v := strings.TrimSpace(cfg.Settings[key]); v != "" {
		return v
	}
	return def
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

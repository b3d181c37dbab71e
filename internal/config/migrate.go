// Copyright Infergate Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package config

import (
	"log/slog"
	"sync"

	"github.com/spf13/viper"
)

// deprecatedKeys maps renamed configuration keys to their current names. Old
// names are still accepted; the value moves to the new key before validation.
var deprecatedKeys = map[string]string{
	"cluster.nodes":          "discovery.nodes",
	"health.checkInterval":   "health.checkIntervalMs",
	"routing.sessionTtlSec":  "routing.stickyTtlSec",
	"circuitBreaker.timeout": "circuitBreaker.retryTimeoutMs",
}

var warnedKeys sync.Map

// migrateDeprecatedKeys moves values from deprecated keys to their
// replacements and warns once per key per process.
func migrateDeprecatedKeys(v *viper.Viper, logger *slog.Logger) {
	for old, current := range deprecatedKeys {
		if !v.IsSet(old) || v.IsSet(current) {
			continue
		}
		v.Set(current, v.Get(old))
		if _, loaded := warnedKeys.LoadOrStore(old, struct{}{}); !loaded && logger != nil {
			logger.Warn("configuration key is deprecated",
				slog.String("key", old),
				slog.String("replacement", current))
		}
	}
}

// resetDeprecationWarnings clears the once-per-process warning set. Test use only.
func resetDeprecationWarnings() {
	warnedKeys.Range(func(k, _ any) bool {
		warnedKeys.Delete(k)
		return true
	})
}

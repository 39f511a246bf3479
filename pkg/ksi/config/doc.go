// Package config loads and exposes daemon configuration.
//
// Config wraps a map[string]any with typed accessors that fall back to
// defaults on missing keys or type mismatches, so YAML and JSON config
// files can be read without verbose assertions:
//
//	cfg, err := config.FromFile("ksid.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	capacity := cfg.Section("eventlog").Int("capacity", 10000)
//
// Daemon collects the substrate's own settings from a Config with all
// defaults applied; see DaemonFromConfig.
package config

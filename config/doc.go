// Package config loads runstream settings from TOML with RUNSTREAM_* environment
// overrides.
//
//	cfg, err := config.Load("runstream.toml")
//	if err != nil { ... }
//	orcCfg := cfg.OrchestratorConfig()
//
// A missing file is not an error: Load then returns Default() with the
// environment applied.
package config

/*
Package config loads flowkit configuration.

# Overview

Config wraps a map[string]any and provides typed accessor methods that handle
missing keys and type mismatches by returning default values. Settings is the
typed, validated view the supervisor and the CLI run on.

# Basic Usage

	s, err := config.Load("flowkit.yaml")
	if err != nil {
	    log.Fatal(err)
	}
	fmt.Println(s.PollInterval) // 1s unless configured

A config file is flat or sectioned:

	state_store: sqlite://.flowkit/state.db
	poll_interval: 500ms
	telemetry:
	  addr: 127.0.0.1:4040

Sectioned values are read with dotted keys:

	cfg, _ := config.FromFile("flowkit.yaml")
	addr := cfg.String("telemetry.addr", "127.0.0.1:4033")

Files may reference the environment as ${VAR}. Discover finds flowkit.yaml,
flowkit.yml or flowkit.json in a directory; the CLI uses it when no file is
named.

# Type Coercion

Duration accepts a string parsed with time.ParseDuration, an int or float64
interpreted as seconds, or a time.Duration. Int accepts a float64 only when it
has no fractional part.

# Validation

Settings.Validate uses go-playground/validator and reports every violation
in one error. The shared validator is exposed through Validator for other
wire types.
*/
package config

/*
Package config loads settings for cellcore components and programs.

# Overview

Two sources are supported. Tunables for the library components (relay batch
size, compensation deadlines, ledger retention) usually live in a YAML or
JSON file and are read through Config, a map wrapper with typed accessors
that fall back to defaults. Process settings for the programs under cmd/
(database URL, Redis address, log level) come from the environment through
ParseEnv.

# File Settings

Keys may be dotted paths into nested sections:

	cfg, err := config.FromFile("cellcore.yaml")
	if err != nil {
	    log.Fatal(err)
	}

	batch := cfg.Int("relay.batch_size", 100)
	deadline := cfg.Duration("saga.deadline", time.Minute)
	relay := cfg.Sub("relay") // same values, relative keys

Duration accepts strings ("30s", "1h30m"), numbers (seconds) and
time.Duration values. Int accepts floats only when they carry no fraction.
Numeric and boolean accessors also parse strings, so values substituted
from the environment work unquoted or quoted. Every accessor returns the
default when the key is missing or the value has the wrong shape.

${VAR} references in files are expanded from the environment before parsing.

Load layers several files, later ones overriding earlier ones section by
section:

	cfg, err := config.Load("cellcore.yaml", "cellcore.prod.yaml")

# Environment Settings

	type settings struct {
	    DatabaseURL string `env:"DATABASE_URL" envDefault:"file:cellcore.db"`
	}

	var s settings
	if err := config.ParseEnv(&s); err != nil {
	    log.Fatal(err)
	}

# Thread Safety

Config is read-only after creation and safe for concurrent use.
*/
package config

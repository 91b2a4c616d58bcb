// Package config provides configuration loading and validation for the
// dictation service. Settings come from a YAML file layered over Default;
// API credentials come from the environment, optionally seeded from a
// .env file.
package config

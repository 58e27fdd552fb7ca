// Package config handles YAML configuration loading with environment variable substitution.
//
// Configuration files support ${VAR} syntax for environment variable
// interpolation, so access tokens can stay out of the file. Durations use
// Go syntax ("500ms", "20s").
package config

// Package config loads the server configuration from a YAML file and the
// environment.
package config

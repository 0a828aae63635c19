// Package config loads configuration for flowkit services.
//
// Configuration is layered: a YAML file provides the base, a .env file may
// add environment variables, and real environment variables override both.
// Services embed ServiceConfig in their own config struct and load it with
// LoadConfig:
//
//	type Config struct {
//	    config.ServiceConfig `yaml:",inline" mapstructure:",squash"`
//	    Database database.Config `yaml:"database" mapstructure:"database"`
//	}
//
//	var cfg Config
//	err := config.LoadConfig("flowd", &cfg)
package config

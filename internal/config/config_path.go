package config

// ConfigPath is the default configuration file location.
const ConfigPath = "config.yaml"

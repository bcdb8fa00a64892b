// Package config provides configuration loading and validation for the
// audio-io service. Values are read from a YAML file on top of Default and
// each section validates itself.
package config

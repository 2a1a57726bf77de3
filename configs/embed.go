// Package configs embeds the configuration templates written by
// `amanrag init`.
package configs

import _ "embed"

// ProjectConfigTemplate is written to .amanrag.yaml by `amanrag init`.
//
//go:embed project-config.example.yaml
var ProjectConfigTemplate string

// UserConfigTemplate is written to the user config path by
// `amanrag init --user`.
//
//go:embed user-config.example.yaml
var UserConfigTemplate string

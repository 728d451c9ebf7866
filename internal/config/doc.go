// Package config provides configuration loading and path management.
//
// Configuration is JSON/JSONC merged from global, project and environment
// sources, with {env:VAR} and {file:path} interpolation inside files.
package config

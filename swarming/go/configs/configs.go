// Package configs contains the per-instance configuration files for
// swarmingserver.
package configs

import "embed"

// Configs holds the JSON instance configs, selected by the --config flag.
//
//go:embed *.json
var Configs embed.FS

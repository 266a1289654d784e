//go:build dev || debug

package logger

import "github.com/rs/zerolog"

// defaultLevel is the default level for development builds.
// Activated via the "dev" or "debug" build tag.
var defaultLevel = zerolog.DebugLevel

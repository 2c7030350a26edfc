package engine

import (
	"github.com/spaghettifunk/anima-rt/engine/renderer"
)

type ApplicationConfig struct {
	// The application name used in logs.
	Name string
	// Path of the TOML config. Empty means the built-in defaults and no
	// hot reload.
	ConfigPath string
	// Run stops after this many frames. Zero runs until quit.
	MaxFrames uint64
	// Device backend the renderer runs on.
	Backend renderer.BackendType
}

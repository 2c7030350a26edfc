package renderer

import (
	"github.com/cockroachdb/errors"
	"github.com/spaghettifunk/anima-rt/engine/config"
	"github.com/spaghettifunk/anima-rt/engine/renderer/gpu"
	"github.com/spaghettifunk/anima-rt/engine/renderer/gpu/soft"
)

type BackendType int

const (
	// BackendSoft executes GPU work in memory. Deferred execution holds
	// submitted work until a fence wait drives it, like a real queue.
	BackendSoft BackendType = iota
)

func (b BackendType) String() string {
	switch b {
	case BackendSoft:
		return "soft"
	}
	return "unknown"
}

// NewDevice creates the device of the requested backend.
func NewDevice(backend BackendType, cfg config.DeviceConfig) (gpu.Device, error) {
	switch backend {
	case BackendSoft:
		return soft.New(soft.Options{Deferred: cfg.DeferredExecution}), nil
	}
	return nil, errors.AssertionFailedf("unsupported renderer backend %d", int(backend))
}

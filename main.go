/*
This is an example of application that will use the
engine package to test things out
*/
package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"

	"github.com/spaghettifunk/anima-rt/engine"
	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/testbed"
)

func main() {
	configPath := flag.String("config", "", "path of the TOML config, watched for changes")
	frames := flag.Uint64("frames", 0, "stop after this many frames, 0 runs until interrupted")
	seed := flag.Uint64("seed", 1, "seed of the cube layout")
	cubes := flag.Int("cubes", 64, "number of cubes in the scene")
	flag.Parse()

	tb := testbed.NewTestGame(*configPath, *frames, *seed, *cubes)

	e, err := engine.New(tb.Game)
	if err != nil {
		core.LogFatal("failed to boot the engine: %+v", err)
	}

	if err := e.Initialize(); err != nil {
		core.LogFatal("failed to initialize the engine: %+v", err)
	}

	// signal channel to capture system calls
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)
	defer stop()

	// run engine
	runErr := e.Run(ctx)
	if err := e.Shutdown(); err != nil {
		core.LogError("shutdown failed: %+v", err)
	}
	if runErr != nil {
		core.LogFatal("engine stopped: %+v", runErr)
	}
}

//go:build mage

package main

import (
	"fmt"
	"os"

	"github.com/magefile/mage/mg"
)

type Run mg.Namespace

// Runs the testbed. ANIMA_CONFIG selects the config file and ANIMA_FRAMES
// bounds the run.
func (Run) Engine() error {
	args := []string{"run", "main.go"}
	if path := os.Getenv("ANIMA_CONFIG"); path != "" {
		args = append(args, "-config", path)
	}
	if frames := os.Getenv("ANIMA_FRAMES"); frames != "" {
		args = append(args, "-frames", frames)
	}
	fmt.Println("Run engine...")
	if _, err := executeCmd("go", withArgs(args...), withStream()); err != nil {
		return err
	}
	return nil
}

// Runs the testbed for a fixed number of frames on a fresh default config.
func (Run) Smoke() error {
	mg.Deps(Build.Engine)
	_, err := executeCmd("bin/anima-rt", withArgs("-frames", "240", "-cubes", "256"), withStream())
	return err
}

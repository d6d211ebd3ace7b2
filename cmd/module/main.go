// Package main is the viam-sensorbox module binary.
package main

import (
	"context"

	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/module"
	"go.viam.com/utils"

	"github.com/brokenrobotz/viam-sensorbox/ros"
	"github.com/brokenrobotz/viam-sensorbox/sensors"
)

func main() {
	utils.ContextualMainWithSIGPIPE(mainWithArgs, module.NewLoggerFromArgs("sensorbox"))
}

func mainWithArgs(ctx context.Context, args []string, logger logging.Logger) error {
	mod, err := module.NewModuleFromArgs(ctx)
	if err != nil {
		return err
	}
	// ROS nodes are shared by every component, so they outlive any one of them
	defer ros.CloseAll()

	if err := mod.AddModelFromRegistry(ctx, sensor.API, sensors.FusionModel); err != nil {
		return err
	}

	err = mod.Start(ctx)
	defer mod.Close(ctx)
	if err != nil {
		return err
	}

	<-ctx.Done()
	return nil
}

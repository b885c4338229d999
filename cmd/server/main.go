// Package main runs the dense mapping service.
package main

import (
	"context"

	"github.com/edaniels/golog"
	goutils "go.viam.com/utils"

	"go.viam.com/densemap/config"
	"go.viam.com/densemap/logging"
	"go.viam.com/densemap/server"
)

var logger = logging.NewLogger("densemap-server")

// Arguments for the command.
type Arguments struct {
	ConfigFile string              `flag:"0,required,usage=service config file"`
	Port       goutils.NetPortFlag `flag:"port,usage=port to listen on (overrides the config)"`
	Debug      bool                `flag:"debug"`
}

func main() {
	goutils.ContextualMain(mainWithArgs, logger)
}

func mainWithArgs(ctx context.Context, args []string, logger golog.Logger) error {
	var argsParsed Arguments
	if err := goutils.ParseFlags(args, &argsParsed); err != nil {
		return err
	}
	if argsParsed.Debug {
		logger = logging.NewDebugLogger("densemap-server")
	}

	cfg, err := config.Read(argsParsed.ConfigFile)
	if err != nil {
		return err
	}
	if argsParsed.Port != 0 {
		cfg.Port = int(argsParsed.Port)
	}

	// Real deployments implement ml.Model against their inference runtime
	// and swap it in here.
	logger.Infow("no inference backend linked in; serving the synthetic model")
	svc, err := server.New(cfg, newSyntheticModel(), logger)
	if err != nil {
		return err
	}
	return svc.RunServer(ctx)
}

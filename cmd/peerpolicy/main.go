package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/tendermint/peerpolicy/cmd/peerpolicy/commands"
	"github.com/tendermint/peerpolicy/config"
	"github.com/tendermint/peerpolicy/libs/log"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	conf := config.DefaultConfig()
	logger, err := log.NewDefaultLogger(conf.LogFormat, conf.LogLevel)
	if err != nil {
		panic(err)
	}

	rcmd := commands.RootCommand(conf, logger)
	rcmd.AddCommand(
		commands.MakeInitFilesCommand(conf, logger),
		commands.MakeSimulateCommand(conf, logger),
		commands.MakeInspectCommand(conf, logger),
		commands.VersionCmd,
	)

	if err := rcmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

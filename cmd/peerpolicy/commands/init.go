package commands

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/tendermint/peerpolicy/config"
	"github.com/tendermint/peerpolicy/libs/log"
)

// MakeInitFilesCommand returns the command that writes a default config file
// into the home directory.
func MakeInitFilesCommand(conf *config.Config, logger log.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the peerpolicy home directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return initFilesWithConfig(conf, logger)
		},
	}
	return cmd
}

func initFilesWithConfig(conf *config.Config, logger log.Logger) error {
	configFile := config.ConfigFile(conf.RootDir)
	if _, err := os.Stat(configFile); err == nil {
		logger.Info("Found config file", "path", configFile)
		return nil
	}
	if err := config.WriteConfigFile(conf.RootDir, conf); err != nil {
		return err
	}
	logger.Info("Generated config file", "path", configFile)
	return nil
}

package main

import (
	clay "github.com/go-go-golems/clay/pkg"
	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds/logging"
	"github.com/go-go-golems/glazed/pkg/help"
	help_cmd "github.com/go-go-golems/glazed/pkg/help/cmd"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/storysync/cmd/storysync/cmds"
)

var rootCmd = &cobra.Command{
	Use:   "storysync",
	Short: "Keep a local view of a story in sync with its change feed",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logging.InitLoggerFromCobra(cmd)
	},
}

func main() {
	if err := clay.InitGlazed("storysync", rootCmd); err != nil {
		cobra.CheckErr(err)
	}

	helpSystem := help.NewHelpSystem()
	help_cmd.SetupCobraRootCommand(helpSystem, rootCmd)

	watchCmd, err := cmds.NewWatchCommand()
	cobra.CheckErr(err)
	command, err := cli.BuildCobraCommand(watchCmd)
	cobra.CheckErr(err)
	rootCmd.AddCommand(command)

	serveCmd, err := cmds.NewServeCommand()
	cobra.CheckErr(err)
	command, err = cli.BuildCobraCommand(serveCmd)
	cobra.CheckErr(err)
	rootCmd.AddCommand(command)

	cobra.CheckErr(rootCmd.Execute())
}

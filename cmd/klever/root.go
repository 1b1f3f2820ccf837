package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nstogner/klever/pkg/config"
	"github.com/nstogner/klever/pkg/logger"
)

// app holds state shared by the commands of one invocation.
type app struct {
	cfg *config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "klever",
		Short:         "Klever chat assistant",
		Long:          `Klever is a friendly chat assistant with persisted conversation history.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd)
			if err != nil {
				return err
			}
			a.cfg = cfg
			logger.Setup(cfg.Server.LogLevel)
			return nil
		},
	}
	root.PersistentFlags().String("config", "", "config file (default is $HOME/.klever/config.yaml)")
	root.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(
		a.serveCmd(),
		a.reconcileCmd(),
		a.userCmd(),
		a.configCmd(),
	)
	return root
}

func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// addStoreFlags registers the flags that select the database.
func addStoreFlags(cmd *cobra.Command) {
	cmd.Flags().String("store", "", "store driver (sqlite3, postgres)")
	cmd.Flags().String("dsn", "", "database file (sqlite3) or connection string (postgres)")
}

package main

import (
	"github.com/spf13/cobra"

	"github.com/quantdesk/marketjobs/internal/config"
)

// rootFlags holds the shared --config/--user/--key/--port options per
// spec.md section 6's CLI surface.
type rootFlags struct {
	configPath string
	user       string
	keyPath    string
	port       int
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:           "marketjobsctl",
		Short:         "Deploy and operate marketjobs worker fleets",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "config.yaml", "path to the configuration document")
	root.PersistentFlags().StringVar(&flags.user, "user", "", "override SSH user for all hosts")
	root.PersistentFlags().StringVar(&flags.keyPath, "key", "", "override SSH private key path for all hosts")
	root.PersistentFlags().IntVar(&flags.port, "port", 0, "override SSH port for all hosts")

	root.AddCommand(
		newSetupLocalCmd(),
		newTestConfigCmd(flags),
		newDeployCmd(flags),
		newStartCmd(flags),
		newStopCmd(flags),
		newRestartCmd(flags),
		newStatusCmd(flags),
		newLogsCmd(flags),
		newDeployAllCmd(flags),
		newStartAllCmd(flags),
		newStopAllCmd(flags),
		newStatusAllCmd(flags),
	)
	return root
}

func loadConfig(flags *rootFlags) (*config.Config, error) {
	c, err := config.Load(flags.configPath)
	if err != nil {
		return nil, &configError{err: err}
	}
	return c, nil
}

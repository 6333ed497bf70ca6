package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quantdesk/marketjobs/internal/config"
	"github.com/quantdesk/marketjobs/internal/deploy"
	"github.com/quantdesk/marketjobs/internal/queue"
	"github.com/quantdesk/marketjobs/internal/queue/sqlbackend"
	"github.com/quantdesk/marketjobs/internal/platform/logger"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestConfigCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "test-config",
		Short: "Validate the configuration document without starting anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(flags); err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

// newSetupLocalCmd stands up a zero-dependency local environment: a
// sqlite-backed queue at ./marketjobs-local.db, so a new contributor can
// exercise the worker without a real Postgres/Redis/broker instance.
func newSetupLocalCmd() *cobra.Command {
	var dbPath string
	cmd := &cobra.Command{
		Use:   "setup-local",
		Short: "Create a local sqlite-backed environment for development",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := logger.New(logger.Config{Mode: "development", Level: "info"})
			if err != nil {
				return err
			}
			db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{})
			if err != nil {
				return fmt.Errorf("open sqlite %s: %w", dbPath, err)
			}
			if err := sqlbackend.Migrate(db); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			_ = sqlbackend.New(db, log, queue.DefaultRetryPolicy())
			fmt.Printf("local environment ready at %s\n", dbPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "marketjobs-local.db", "path to the local sqlite database")
	return cmd
}

func findHost(c *config.Config, name string) (config.HostEntry, error) {
	for _, h := range c.Hosts {
		if h.Host == name {
			return h, nil
		}
	}
	return config.HostEntry{}, fmt.Errorf("host %q not found in hosts[]", name)
}

func dialTarget(flags *rootFlags, c *config.Config, hostName string) (*deploy.Client, deploy.RemotePaths, error) {
	entry, err := findHost(c, hostName)
	if err != nil {
		return nil, deploy.RemotePaths{}, err
	}
	target := deploy.FromHostEntry(entry, flags.user, flags.keyPath, flags.port)
	client, err := deploy.Dial(target)
	if err != nil {
		return nil, deploy.RemotePaths{}, err
	}
	return client, deploy.DefaultPaths(hostName), nil
}

func newDeployCmd(flags *rootFlags) *cobra.Command {
	var binPath string
	cmd := &cobra.Command{
		Use:   "deploy <host>",
		Short: "Upload the worker binary and config to a host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig(flags)
			if err != nil {
				return err
			}
			client, paths, err := dialTarget(flags, c, args[0])
			if err != nil {
				return err
			}
			defer client.Close()
			if err := client.Deploy(paths, binPath, flags.configPath); err != nil {
				return err
			}
			fmt.Printf("deployed to %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&binPath, "bin", "worker", "path to the local worker binary to ship")
	return cmd
}

func newStartCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "start <host>",
		Short: "Start the worker process on a host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHost(flags, args[0], func(client *deploy.Client, paths deploy.RemotePaths) error {
				return client.Start(paths)
			})
		},
	}
}

func newStopCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <host>",
		Short: "Stop the worker process on a host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHost(flags, args[0], func(client *deploy.Client, paths deploy.RemotePaths) error {
				return client.Stop(paths)
			})
		},
	}
}

func newRestartCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "restart <host>",
		Short: "Restart the worker process on a host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHost(flags, args[0], func(client *deploy.Client, paths deploy.RemotePaths) error {
				return client.Restart(paths)
			})
		},
	}
}

func newStatusCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status <host>",
		Short: "Report whether the worker process is running on a host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig(flags)
			if err != nil {
				return err
			}
			client, paths, err := dialTarget(flags, c, args[0])
			if err != nil {
				return err
			}
			defer client.Close()
			running, pid, err := client.Status(paths)
			if err != nil {
				return err
			}
			if running {
				fmt.Printf("%s: running (pid %s)\n", args[0], pid)
			} else {
				fmt.Printf("%s: stopped\n", args[0])
			}
			return nil
		},
	}
}

func newLogsCmd(flags *rootFlags) *cobra.Command {
	var lines int
	cmd := &cobra.Command{
		Use:   "logs <host>",
		Short: "Tail the worker log file on a host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig(flags)
			if err != nil {
				return err
			}
			client, paths, err := dialTarget(flags, c, args[0])
			if err != nil {
				return err
			}
			defer client.Close()
			out, err := client.Logs(paths, lines)
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	}
	cmd.Flags().IntVar(&lines, "lines", 200, "number of trailing log lines to print")
	return cmd
}

func withHost(flags *rootFlags, host string, fn func(*deploy.Client, deploy.RemotePaths) error) error {
	c, err := loadConfig(flags)
	if err != nil {
		return err
	}
	client, paths, err := dialTarget(flags, c, host)
	if err != nil {
		return err
	}
	defer client.Close()
	return fn(client, paths)
}

func newDeployAllCmd(flags *rootFlags) *cobra.Command {
	var binPath string
	cmd := &cobra.Command{
		Use:   "deploy-all",
		Short: "Deploy the worker to every host in hosts[]",
		RunE: func(cmd *cobra.Command, args []string) error {
			return forEachHost(flags, func(host string) error {
				return withHost(flags, host, func(client *deploy.Client, paths deploy.RemotePaths) error {
					return client.Deploy(paths, binPath, flags.configPath)
				})
			})
		},
	}
	cmd.Flags().StringVar(&binPath, "bin", "worker", "path to the local worker binary to ship")
	return cmd
}

func newStartAllCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "start-all",
		Short: "Start the worker process on every host in hosts[]",
		RunE: func(cmd *cobra.Command, args []string) error {
			return forEachHost(flags, func(host string) error {
				return withHost(flags, host, func(client *deploy.Client, paths deploy.RemotePaths) error {
					return client.Start(paths)
				})
			})
		},
	}
}

func newStopAllCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop-all",
		Short: "Stop the worker process on every host in hosts[]",
		RunE: func(cmd *cobra.Command, args []string) error {
			return forEachHost(flags, func(host string) error {
				return withHost(flags, host, func(client *deploy.Client, paths deploy.RemotePaths) error {
					return client.Stop(paths)
				})
			})
		},
	}
}

func newStatusAllCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status-all",
		Short: "Report worker status on every host in hosts[]",
		RunE: func(cmd *cobra.Command, args []string) error {
			return forEachHost(flags, func(host string) error {
				return withHost(flags, host, func(client *deploy.Client, paths deploy.RemotePaths) error {
					running, pid, err := client.Status(paths)
					if err != nil {
						return err
					}
					if running {
						fmt.Printf("%s: running (pid %s)\n", host, pid)
					} else {
						fmt.Printf("%s: stopped\n", host)
					}
					return nil
				})
			})
		},
	}
}

func forEachHost(flags *rootFlags, fn func(host string) error) error {
	c, err := loadConfig(flags)
	if err != nil {
		return err
	}
	var firstErr error
	for _, h := range c.Hosts {
		if err := fn(h.Host); err != nil {
			fmt.Printf("%s: error: %v\n", h.Host, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mossy-p/livestore-signaling/config"
)

type rootFlags struct {
	configPath string
	logLevel   string
	serverURL  string
	email      string
	name       string
	token      string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:          "livestore",
		Short:        "Headless Live Store participant",
		SilenceUsage: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "path to livestore.yaml")
	pf.StringVar(&flags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	pf.StringVar(&flags.serverURL, "server", "", "signaling server base URL")
	pf.StringVar(&flags.email, "email", "", "email to log in with")
	pf.StringVar(&flags.name, "name", "", "display name")
	pf.StringVar(&flags.token, "token", "", "use an issued token instead of logging in")

	root.AddCommand(
		newParticipantCmd(flags, true),
		newParticipantCmd(flags, false),
		newConfigCmd(flags),
	)
	return root
}

// load reads config and applies flag overrides.
func (f *rootFlags) load() (config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return cfg, err
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	if f.serverURL != "" {
		cfg.Client.ServerURL = f.serverURL
	}
	if f.email != "" {
		cfg.Client.Email = f.email
	}
	if f.name != "" {
		cfg.Client.Name = f.name
	}
	if cfg.Client.Email == "" {
		return cfg, fmt.Errorf("no email configured: pass --email or set LIVESTORE_CLIENT_EMAIL")
	}
	return cfg, nil
}

func newConfigCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage livestore.yaml",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := flags.configPath
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.WriteDefault(path); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "wrote default configuration")
			return nil
		},
	})
	return cmd
}

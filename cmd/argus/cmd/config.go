package cmd

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

func (a *app) configCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage CLI configuration",
	}

	configViewCmd := &cobra.Command{
		Use:   "view",
		Short: "View the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := a.load(); err != nil {
				return err
			}
			out, err := yaml.Marshal(a.v.AllSettings())
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}

	configGetCmd := &cobra.Command{
		Use:   "get [key]",
		Short: "Get a configuration value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := a.load(); err != nil {
				return err
			}
			val := a.v.Get(args[0])
			if val == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "Not set")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), val)
			}
			return nil
		},
	}

	configSetCmd := &cobra.Command{
		Use:   "set [key] [value]",
		Short: "Set a configuration value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, value := args[0], args[1]

			// Only what is already in the file is written back, not defaults.
			if err := a.v.ReadInConfig(); err != nil && !configMissing(err) {
				return fmt.Errorf("failed to read config: %w", err)
			}
			a.v.Set(key, value)

			if err := a.v.WriteConfig(); err != nil {
				var notFound viper.ConfigFileNotFoundError
				if !errors.As(err, &notFound) {
					return fmt.Errorf("failed to write config: %w", err)
				}
				if err := a.v.SafeWriteConfig(); err != nil {
					return fmt.Errorf("failed to write config: %w", err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Set %s to %s\n", key, value)
			return nil
		},
	}

	configCmd.AddCommand(configViewCmd, configSetCmd, configGetCmd)
	return configCmd
}

func configMissing(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist)
}

package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mcptap/mcptap/internal/config"
)

var initConfigPath string

var initConfigCmd = &cobra.Command{
	Use:   "init-config",
	Short: "Write a default configuration file",
	Long: `Write a commented default mcptap.yaml to the current directory
(or the path given with --output). Refuses to overwrite an existing file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.WriteDefault(initConfigPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		fmt.Printf("wrote %s\n", initConfigPath)
		return nil
	},
	SilenceUsage: true,
}

func init() {
	initConfigCmd.Flags().StringVar(&initConfigPath, "output", "mcptap.yaml", "where to write the config file")
	rootCmd.AddCommand(initConfigCmd)
}

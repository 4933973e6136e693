package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bozonx/mediastore/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a sample configuration file",
	Long: `Initialize a sample mediastore configuration file.

By default, the configuration file is created at $XDG_CONFIG_HOME/mediastore/config.yaml.
Use --config to specify a custom path.

Examples:
  # Initialize with default location
  mediastore init

  # Initialize with custom path
  mediastore init --config /etc/mediastore/config.yaml

  # Force overwrite existing config
  mediastore init --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	configPath := GetConfigFile()
	if configPath == "" {
		configPath = config.GetDefaultConfigPath()
	}

	if !initForce {
		if _, err := os.Stat(configPath); err == nil {
			return fmt.Errorf("config file already exists at %s (use --force to overwrite)", configPath)
		}
	}

	if err := config.SaveConfig(config.GetDefaultConfig(), configPath); err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	fmt.Printf("Configuration file created at: %s\n", configPath)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Edit the configuration file to set the S3 bucket and credentials")
	fmt.Println("  2. Start the server with: mediastore start")
	fmt.Printf("  3. Or specify custom config: mediastore start --config %s\n", configPath)
	fmt.Println("\nAny setting can also be overridden via environment variables:")
	fmt.Println("  MEDIASTORE_STORAGE_SECRET_ACCESS_KEY=... mediastore start")

	return nil
}

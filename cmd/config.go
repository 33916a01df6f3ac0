package cmd

import (
	"fmt"
	"os"
	"strings"

	"db-backup-engine/internal/config"
	"db-backup-engine/internal/database"

	"github.com/spf13/cobra"
)

var (
	configForce   bool
	configConnect bool
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Create and inspect configuration",
	Long: `Create and inspect the configuration file.

Every key can also be set through a DBBACKUP_ environment variable, for
example DBBACKUP_STORAGE_PROVIDER=S3. Secrets such as the database password
and the encryption secret are only read from the environment or the file and
are never printed.

Examples:
  # Write a commented starter configuration
  db-backup-engine config init

  # Show the configuration after environment overrides
  db-backup-engine config show

  # Prepare directories and check credentials
  db-backup-engine config check`,
}

var configInitCmd = &cobra.Command{
	Use:   "init [PATH]",
	Short: "Write a starter configuration file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "db-backup-engine.yaml"
		if len(args) == 1 {
			path = args[0]
		}
		if err := config.WriteTemplate(path, configForce); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration written to %s\n", path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		loader := config.NewLoader()
		cfg, err := loader.Load(cfgFile)
		if err != nil {
			return err
		}

		data, err := config.Template(cfg)
		if err != nil {
			return err
		}
		if used := loader.ConfigFileUsed(); used != "" {
			fmt.Fprintf(cmd.ErrOrStderr(), "# loaded from %s\n", used)
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

var configEnvCmd = &cobra.Command{
	Use:   "env",
	Short: "List the environment variables that are read",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		for _, name := range config.EnvironmentVariables() {
			state := ""
			if _, ok := os.LookupEnv(name); ok {
				state = "  (set)"
			}
			fmt.Fprintf(out, "%s%s\n", name, state)
		}
	},
}

var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Prepare local directories and check the configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		printer, err := newPrinter(cmd)
		if err != nil {
			return err
		}

		result := config.Initialize(cfg)
		for _, warning := range result.Warnings {
			_ = printer.Warning(warning)
		}
		for _, fix := range result.RecommendedFixes {
			_ = printer.Info("Fix: " + fix)
		}
		if !result.Success {
			return fmt.Errorf("configuration check failed: %s", strings.Join(result.Errors, "; "))
		}

		if configConnect {
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer logger.Close()

			engine := cfg.Engine
			service := database.NewServiceWithLogger(logger)
			db, err := service.Connect(cmd.Context(), engine.Tools.Engine, engine.Database)
			if err != nil {
				return err
			}
			defer service.Close(db)
			_ = printer.Success(fmt.Sprintf("Connected to %s database %s on %s", engine.Tools.Engine,
				engine.Database.Database, engine.Database.Host))
		}

		return printer.Success("Configuration is ready")
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd, configShowCmd, configEnvCmd, configCheckCmd)

	configInitCmd.Flags().BoolVarP(&configForce, "force", "f", false, "replace an existing file, keeping a .bak copy")
	configCheckCmd.Flags().BoolVar(&configConnect, "connect", false, "also connect to the protected database")
}

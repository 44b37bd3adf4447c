package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"

	"github.com/TheLeoP/wpp/internal/api"
	"github.com/TheLeoP/wpp/internal/app"
	"github.com/TheLeoP/wpp/internal/config"
)

var (
	cfgFile   string
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "wpp",
	Short: "wpp - WhatsApp bulk messaging server",
	Long:  `wpp sends templated WhatsApp messages to spreadsheet contact lists over an HTTP API.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the messaging server",
	Long:  `Start the wpp server. Without stored credentials it writes a pairing QR code to the data directory.`,
	RunE:  runServe,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE:  runConfigValidate,
}

var apikeyCmd = &cobra.Command{
	Use:   "apikey",
	Short: "API key commands",
}

var apikeyHashCmd = &cobra.Command{
	Use:   "hash",
	Short: "Hash an API key for api.api_key_hash",
	Long:  `Read an API key from stdin and print its bcrypt hash, so the config file never stores the key itself.`,
	RunE:  runAPIKeyHash,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("wpp version %s\n", version)
		if commit != "unknown" {
			fmt.Printf("  commit: %s\n", commit)
		}
		if buildTime != "unknown" {
			fmt.Printf("  built:  %s\n", buildTime)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")

	configCmd.AddCommand(configValidateCmd)
	apikeyCmd.AddCommand(apikeyHashCmd)
	rootCmd.AddCommand(serveCmd, configCmd, apikeyCmd, versionCmd)
}

func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	api.Version = version

	application, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	return application.Run(context.Background())
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("config file is required (use -c flag)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("configuration is invalid: %w", err)
	}

	fmt.Printf("Configuration is valid\n")
	fmt.Printf("  API: %s\n", cfg.API.ListenAddr)
	fmt.Printf("  Data dir: %s\n", cfg.Storage.DataDir)
	fmt.Printf("  Country code: %s\n", cfg.Phone.CountryCode)

	return nil
}

func runAPIKeyHash(cmd *cobra.Command, args []string) error {
	var key []byte
	var err error

	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprint(os.Stderr, "API key: ")
		key, err = term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
	} else {
		_, err = fmt.Fscanln(os.Stdin, &key)
	}
	if err != nil {
		return fmt.Errorf("failed to read API key: %w", err)
	}
	if len(key) == 0 {
		return fmt.Errorf("API key must not be empty")
	}

	hash, err := bcrypt.GenerateFromPassword(key, bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash API key: %w", err)
	}

	fmt.Println(string(hash))
	return nil
}

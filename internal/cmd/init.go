package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/callboard-io/callboard/internal/config"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a config file with secure defaults",
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			if output == "" {
				output = "callboard.json"
			}
			force, _ := cmd.Flags().GetBool("force")
			return writeDefaultConfig(output, force)
		},
	}
	cmd.Flags().StringP("output", "o", "", "output config file path (default: ./callboard.json)")
	cmd.Flags().Bool("force", false, "overwrite an existing config file")
	return cmd
}

func writeDefaultConfig(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}

	secret, err := config.GenerateRandomSecret()
	if err != nil {
		return fmt.Errorf("generating jwt secret: %w", err)
	}
	adminPassword, err := config.GenerateRandomSecret()
	if err != nil {
		return fmt.Errorf("generating admin password: %w", err)
	}
	// Trim to something an operator can retype once.
	if len(adminPassword) > 16 {
		adminPassword = adminPassword[:16]
	}

	cfg := config.Config{
		Server: config.ServerConfig{
			Addr:           ":8080",
			AllowedOrigins: []string{"*"},
		},
		Auth: config.AuthConfig{
			Provider:  "builtin",
			JWTSecret: secret,
			JWTExpiry: config.Duration{Duration: 24 * time.Hour},
			InitialAdmin: &config.InitialAdmin{
				Username: "admin",
				Password: adminPassword,
			},
		},
		Storage: config.StorageConfig{
			Driver: "sqlite",
			DSN:    "callboard.db",
		},
		Logging: config.LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, append(data, '\n'), 0600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	fmt.Printf("wrote %s\n", path)
	fmt.Printf("initial admin: username=admin password=%s\n", adminPassword)
	fmt.Println("change the admin password after first login")
	return nil
}

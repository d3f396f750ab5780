package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"

	"github.com/dgellow/contentdesk/internal"
	"github.com/dgellow/contentdesk/internal/config"
	"github.com/dgellow/contentdesk/internal/log"
	"github.com/joho/godotenv"
)

var BuildVersion = "dev"

func generateDefaultConfig(path string) error {
	defaultConfig := map[string]any{
		"version": "v1",
		"server": map[string]any{
			"baseURL":        "https://desk.yourcompany.com",
			"addr":           ":8080",
			"allowedOrigins": []string{"https://desk.yourcompany.com"},
		},
		"auth": map[string]any{
			"provider":      "google",
			"clientId":      map[string]string{"$env": "GOOGLE_CLIENT_ID"},
			"clientSecret":  map[string]string{"$env": "GOOGLE_CLIENT_SECRET"},
			"redirectUri":   "https://desk.yourcompany.com/auth/callback",
			"verification":  "tokeninfo",
			"stateTtl":      "10m",
			"encryptionKey": map[string]string{"$env": "ENCRYPTION_KEY"},
			"publicPaths":   []string{"/docs/"},
		},
		"session": map[string]any{
			"cookieName": "contentdesk_session",
			"maxAge":     "168h",
		},
		"storage": map[string]any{
			"kind":            "memory",
			"cleanupInterval": "5m",
		},
		"backend": map[string]any{
			"baseURL": "https://api.yourcompany.com",
		},
		"metrics": map[string]any{
			"enabled": true,
			"path":    "/metrics",
		},
	}

	data, err := json.MarshalIndent(defaultConfig, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func validateConfig(path string) error {
	result, err := config.ValidateFile(path)
	if err != nil {
		return fmt.Errorf("error during validation: %w", err)
	}

	fmt.Printf("Validating: %s\n", path)

	if len(result.Errors) > 0 {
		fmt.Printf("\nErrors (%d):\n", len(result.Errors))
		for _, err := range result.Errors {
			if err.Path != "" {
				fmt.Printf("  - %s: %s\n", err.Path, err.Message)
			} else {
				fmt.Printf("  - %s\n", err.Message)
			}
		}
	}

	if len(result.Warnings) > 0 {
		fmt.Printf("\nWarnings (%d):\n", len(result.Warnings))
		for _, warn := range result.Warnings {
			if warn.Path != "" {
				fmt.Printf("  - %s: %s\n", warn.Path, warn.Message)
			} else {
				fmt.Printf("  - %s\n", warn.Message)
			}
		}
	}

	fmt.Println()
	switch {
	case len(result.Errors) == 0 && len(result.Warnings) == 0:
		fmt.Println("Result: PASS")
		return nil
	case len(result.Errors) == 0:
		fmt.Println("Result: FAIL (warnings present)")
	default:
		fmt.Println("Result: FAIL")
	}
	return fmt.Errorf("validation failed: %d error(s), %d warning(s)", len(result.Errors), len(result.Warnings))
}

// loadEnvFile loads path into the environment without overriding variables
// that are already set. A missing file is only a warning.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.LogWarn("Env file %s not found, continuing with the process environment", path)
			return nil
		}
		return err
	}
	return nil
}

func main() {
	conf := flag.String("config", "", "path to config file (required)")
	envFile := flag.String("env-file", "", "load environment variables from a dotenv file before reading the config")
	version := flag.Bool("version", false, "print version and exit")
	help := flag.Bool("help", false, "print help and exit")
	configInit := flag.String("config-init", "", "generate default config file at specified path")
	validate := flag.Bool("validate", false, "validate config file and exit")
	flag.Parse()
	if *help {
		flag.Usage()
		return
	}
	if *version {
		fmt.Println(BuildVersion)
		return
	}
	if *configInit != "" {
		if err := generateDefaultConfig(*configInit); err != nil {
			log.LogError("Failed to generate config: %v", err)
			os.Exit(1)
		}
		fmt.Printf("Generated default config at: %s\n", *configInit)
		return
	}

	// Secrets referenced as {"$env": ...} resolve against the loaded values
	if err := loadEnvFile(*envFile); err != nil {
		log.LogError("Failed to load env file: %v", err)
		os.Exit(1)
	}

	if *validate {
		if *conf == "" {
			fmt.Fprintf(os.Stderr, "Error: -config flag is required for validation\n")
			os.Exit(1)
		}
		if err := validateConfig(*conf); err != nil {
			os.Exit(1)
		}
		return
	}

	if *conf == "" {
		fmt.Fprintf(os.Stderr, "Error: -config flag is required\n")
		fmt.Fprintf(os.Stderr, "Run with -help for usage information\n")
		os.Exit(1)
	}

	cfg, err := config.Load(*conf)
	if err != nil {
		log.LogError("Failed to load config: %v", err)
		os.Exit(1)
	}

	log.LogInfoWithFields("main", "Starting contentdesk", map[string]any{
		"version": BuildVersion,
		"config":  *conf,
	})

	ctx := context.Background()
	app, err := internal.NewApp(ctx, cfg)
	if err != nil {
		log.LogError("Failed to create application: %v", err)
		os.Exit(1)
	}

	if err := app.Run(ctx); err != nil {
		log.LogError("Application failed: %v", err)
		os.Exit(1)
	}
}

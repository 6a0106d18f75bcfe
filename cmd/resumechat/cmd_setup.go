package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/resumechat/internal/config"
	"github.com/user/resumechat/internal/scheduler"
)

func init() {
	rootCmd.AddCommand(setupCmd)
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive setup wizard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		scanner := bufio.NewScanner(os.Stdin)

		fmt.Println("Resume Chat Setup")
		fmt.Println("Press Enter to accept the default value shown in brackets.")
		fmt.Println()

		cfg.Backend.BaseURL = prompt(scanner, "Analysis server URL", cfg.Backend.BaseURL)

		cfg.Chat.UseAgent = promptBool(scanner, "Use agent mode by default", cfg.Chat.UseAgent)

		timeout := prompt(scanner, "Reply timeout in seconds", strconv.Itoa(cfg.Chat.TimeoutSeconds))
		if n, err := strconv.Atoi(timeout); err == nil && n > 0 {
			cfg.Chat.TimeoutSeconds = n
		}

		driver := prompt(scanner, "Cache driver (file or sqlite)", cfg.Cache.Driver)
		if driver == config.CacheFile || driver == config.CacheSQLite {
			cfg.Cache.Driver = driver
		} else {
			fmt.Printf("Unknown driver %q, keeping %s.\n", driver, cfg.Cache.Driver)
		}

		cfg.HTTP.Enabled = promptBool(scanner, "Enable the local HTTP API", cfg.HTTP.Enabled)
		if cfg.HTTP.Enabled {
			cfg.HTTP.Listen = prompt(scanner, "HTTP listen address", cfg.HTTP.Listen)
		}

		schedule := prompt(scanner, "Conversation sync schedule", cfg.Sync.Schedule)
		if err := scheduler.ValidSchedule(schedule); err == nil {
			cfg.Sync.Schedule = schedule
		} else {
			fmt.Printf("Invalid schedule %q, keeping %s.\n", schedule, cfg.Sync.Schedule)
		}

		// Optional
		cfg.Telegram.Token = prompt(scanner, "Telegram bot token (optional)", cfg.Telegram.Token)

		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}

		fmt.Println()
		fmt.Println("Configuration saved to", cfgPath)
		fmt.Println("Run `resumechat login` to store your access token.")
		return nil
	},
}

// prompt displays a labeled prompt with a default value and reads user input.
// If the user enters nothing, the default is returned.
func prompt(scanner *bufio.Scanner, label, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", label, defaultVal)
	} else {
		fmt.Printf("%s: ", label)
	}
	if scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input != "" {
			return input
		}
	}
	return defaultVal
}

func promptBool(scanner *bufio.Scanner, label string, defaultVal bool) bool {
	def := "n"
	if defaultVal {
		def = "y"
	}
	switch strings.ToLower(prompt(scanner, label+" (y/n)", def)) {
	case "y", "yes", "true":
		return true
	case "n", "no", "false":
		return false
	}
	return defaultVal
}

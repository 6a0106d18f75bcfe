package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(loginCmd, logoutCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login [token]",
	Short: "Store the token used to authenticate with the server",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()

		var token string
		if len(args) == 1 {
			token = args[0]
		} else {
			fmt.Print("Token: ")
			scanner := bufio.NewScanner(os.Stdin)
			if scanner.Scan() {
				token = strings.TrimSpace(scanner.Text())
			}
		}
		if err := tokenStore(cfg).SetToken(token); err != nil {
			return fmt.Errorf("save token: %w", err)
		}
		fmt.Println("Logged in.")
		if cfg.Backend.Token != "" {
			fmt.Fprintln(os.Stderr, "Note: backend.token in the config file takes precedence over the stored token.")
		}
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove the stored token",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := tokenStore(loadConfig()).Clear(); err != nil {
			return err
		}
		fmt.Println("Logged out.")
		return nil
	},
}

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/chatlink/chatsync"
	"github.com/spf13/cobra"
)

var statusLive bool

func init() {
	statusCmd.Flags().BoolVar(&statusLive, "live", false, "Connect the socket and report the directory")
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and session status",
	Long:  "Display the current configuration, check whether the stored token is expired, and optionally connect to report live state.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:   %s\n", valueOrDefault(cfg.Server.BaseURL, chatsync.DefaultBaseURL+" (default)"))
		if cfg.Server.SocketURL != "" {
			fmt.Printf("  Socket URL: %s\n", cfg.Server.SocketURL)
		}

		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		fmt.Println()
		fmt.Println("Session:")
		sess, ok, err := s.eng.Restore(ctx)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("  Username:   (not logged in)")
			return nil
		}
		fmt.Printf("  Username:   %s\n", sess.Username)
		switch {
		case sess.ExpiresAt.IsZero():
			fmt.Println("  Token:      present (no expiry)")
		default:
			fmt.Printf("  Token:      valid (expires %s)\n", sess.ExpiresAt.Local().Format(time.RFC3339))
		}

		if !statusLive {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")
		if err := s.connect(ctx); err != nil {
			fmt.Printf("  Error connecting: %v\n", err)
			return nil
		}
		fmt.Printf("  Socket:     %s\n", s.eng.Status())

		d, err := s.eng.Directory(ctx)
		if err != nil {
			fmt.Printf("  Error fetching directory: %v\n", err)
			return nil
		}
		users := d.SortedUsers()
		online, unread := 0, 0
		for _, u := range users {
			if u.Online {
				online++
			}
			unread += u.UnreadMessageCount
		}
		fmt.Printf("  Users:      %d (%d online)\n", len(users), online)
		fmt.Printf("  Unread:     %d\n", unread)
		return nil
	},
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/chatlink/chatsync"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// users
	usersSearch string
	usersRecent bool
	usersJSON   bool
	usersOnline bool

	// groups
	groupsJSON bool

	// history
	historyLimit int
	historyJSON  bool

	// send
	sendGroup   bool
	sendPlain   bool
	sendTimeout time.Duration
)

func init() {
	usersCmd.Flags().StringVarP(&usersSearch, "search", "s", "", "Filter by username or nickname")
	usersCmd.Flags().BoolVar(&usersRecent, "recent", false, "List recent searches instead of users")
	usersCmd.Flags().BoolVar(&usersOnline, "online", false, "Only show users who are online")
	usersCmd.Flags().BoolVar(&usersJSON, "json", false, "Output raw JSON")

	groupsCmd.Flags().BoolVar(&groupsJSON, "json", false, "Output raw JSON")

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 50, "Show at most this many recent messages")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output raw JSON")

	sendCmd.Flags().BoolVarP(&sendGroup, "group", "g", false, "Send to a group instead of a user")
	sendCmd.Flags().BoolVar(&sendPlain, "plain", false, "Send as plain text instead of HTML")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 20*time.Second, "Give up after this long")

	rootCmd.AddCommand(usersCmd, groupsCmd, historyCmd, sendCmd, starCmd, unstarCmd)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ============================================================================
// users
// ============================================================================

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "List users",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		s, err := openLoggedIn(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		if usersRecent {
			recent, err := s.eng.SearchHistory(ctx)
			if err != nil {
				return err
			}
			if len(recent) == 0 {
				fmt.Println("No recent searches.")
			}
			for _, q := range recent {
				fmt.Println(q)
			}
			return nil
		}

		var users []chatsync.UserRecord
		if usersSearch != "" {
			users, err = s.eng.SearchUsers(ctx, usersSearch)
		} else {
			var d *chatsync.Directory
			if d, err = s.eng.Directory(ctx); err == nil {
				users = d.SortedUsers()
			}
		}
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if usersOnline {
			kept := users[:0]
			for _, u := range users {
				if u.Online {
					kept = append(kept, u)
				}
			}
			users = kept
		}

		if usersJSON {
			return printJSON(users)
		}
		if len(users) == 0 {
			fmt.Println("No users found.")
			return nil
		}
		for _, u := range users {
			star, dot := " ", "○"
			if u.IsStarred {
				star = "*"
			}
			if u.Online {
				dot = "●"
			}
			line := fmt.Sprintf("%s %s %-20s %s", star, dot, u.Username, u.Nickname)
			if u.UnreadMessageCount > 0 {
				line += fmt.Sprintf("  (%d unread)", u.UnreadMessageCount)
			}
			fmt.Println(strings.TrimRight(line, " "))
		}
		return nil
	},
}

// ============================================================================
// groups
// ============================================================================

var groupsCmd = &cobra.Command{
	Use:   "groups",
	Short: "List groups",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		s, err := openLoggedIn(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		groups, err := s.eng.Groups(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if groupsJSON {
			return printJSON(groups)
		}
		if len(groups) == 0 {
			fmt.Println("No groups.")
			return nil
		}
		for _, g := range groups {
			fmt.Printf("%-20s %d members\n", g.Name, len(g.Members))
		}
		return nil
	},
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <username>",
	Short: "Show the conversation with a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		s, err := openLoggedIn(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		msgs, err := s.eng.LoadHistory(ctx, args[0])
		if err != nil {
			return err
		}
		if historyLimit > 0 && len(msgs) > historyLimit {
			msgs = msgs[len(msgs)-historyLimit:]
		}
		if historyJSON {
			return printJSON(msgs)
		}
		if len(msgs) == 0 {
			fmt.Printf("No messages with %s yet.\n", args[0])
			return nil
		}
		for _, m := range msgs {
			fmt.Println(formatMessage(m))
		}
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <recipient> <message...>",
	Short: "Send one message and wait for the server to acknowledge it",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()

		s, err := openLoggedIn(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.connect(ctx); err != nil {
			return err
		}

		draft := chatsync.Draft{
			Recipient: args[0],
			Content:   strings.Join(args[1:], " "),
			Group:     sendGroup,
		}
		if sendPlain {
			draft.ContentType = chatsync.ContentPlainText
		}
		m, err := s.eng.Send(ctx, draft)
		if err != nil {
			return err
		}
		fmt.Printf("Sent (id %s)\n", m.ID)
		return nil
	},
}

// ============================================================================
// star / unstar
// ============================================================================

func starCommand(use, short string, starred bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <username>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			s, err := openLoggedIn(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.eng.SetStarred(ctx, args[0], starred); err != nil {
				return err
			}
			if starred {
				fmt.Printf("Starred %s\n", args[0])
			} else {
				fmt.Printf("Unstarred %s\n", args[0])
			}
			return nil
		},
	}
}

var (
	starCmd   = starCommand("star", "Pin a user to the top of the list", true)
	unstarCmd = starCommand("unstar", "Unpin a user", false)
)

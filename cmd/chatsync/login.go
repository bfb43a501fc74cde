package main

import (
	"context"
	"fmt"
	"time"

	"github.com/chatlink/chatsync/internal/logx"
	"github.com/peterh/liner"
	"github.com/spf13/cobra"
)

var loginPassword string

func init() {
	loginCmd.Flags().StringVarP(&loginPassword, "password", "p", "", "Password (prompted when omitted)")
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}

// promptPassword reads a password without echoing it.
func promptPassword(prompt string) (string, error) {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)
	pw, err := line.PasswordPrompt(prompt)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return pw, nil
}

var loginCmd = &cobra.Command{
	Use:   "login <username>",
	Short: "Log in and store the session token",
	Long:  "Authenticate against the chat server and store the access token in ~/.chatsync/state.db.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password := loginPassword
		if password == "" {
			var err error
			if password, err = promptPassword("Password: "); err != nil {
				return err
			}
		}

		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		sess, err := s.eng.Login(ctx, args[0], password)
		if err != nil {
			logx.Warn("login rejected", "username", args[0])
			return fmt.Errorf("login failed: %w", err)
		}
		logx.Info("logged in", "username", sess.Username, "expires_at", sess.ExpiresAt.Format(time.RFC3339))

		fmt.Printf("Logged in as %s\n", sess.Username)
		if !sess.ExpiresAt.IsZero() {
			fmt.Printf("Token expires %s\n", sess.ExpiresAt.Local().Format(time.RFC3339))
		}
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored session",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		sess, ok, err := s.eng.Restore(ctx)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("Not logged in.")
			return nil
		}
		if err := s.eng.Logout(ctx); err != nil {
			return fmt.Errorf("logout failed: %w", err)
		}
		logx.Info("logged out", "username", sess.Username)
		fmt.Printf("Logged out %s\n", sess.Username)
		return nil
	},
}

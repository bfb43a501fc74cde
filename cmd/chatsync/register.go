package main

import (
	"context"
	"fmt"
	"time"

	"github.com/chatlink/chatsync"
	"github.com/spf13/cobra"
)

var (
	registerPassword string
	registerNickname string
	registerEmail    string
	registerAvatar   int
)

func init() {
	registerCmd.Flags().StringVarP(&registerPassword, "password", "p", "", "Password (prompted when omitted)")
	registerCmd.Flags().StringVar(&registerNickname, "nickname", "", "Display name")
	registerCmd.Flags().StringVar(&registerEmail, "email", "", "Email address")
	registerCmd.Flags().IntVar(&registerAvatar, "avatar", 0, "Avatar index")
	rootCmd.AddCommand(registerCmd)
}

var registerCmd = &cobra.Command{
	Use:   "register <username>",
	Short: "Create an account and log in",
	Long:  "Register a new account with the chat server, then log in and store the token locally.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		username := args[0]

		password := registerPassword
		if password == "" {
			var err error
			if password, err = promptPassword("Password: "); err != nil {
				return err
			}
			confirm, err := promptPassword("Repeat password: ")
			if err != nil {
				return err
			}
			if confirm != password {
				return fmt.Errorf("passwords do not match")
			}
		}

		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		sess, err := s.eng.Register(ctx, &chatsync.Registration{
			Username:    username,
			Password:    password,
			Nickname:    registerNickname,
			Email:       registerEmail,
			AvatarIndex: registerAvatar,
		})
		if err != nil {
			return fmt.Errorf("registration failed: %w", err)
		}

		fmt.Printf("Registered and logged in as %s\n", sess.Username)
		return nil
	},
}

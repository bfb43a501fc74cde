package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/chatlink/chatsync"
	"github.com/chatlink/chatsync/internal/logx"
	"github.com/peterh/liner"
	"github.com/spf13/cobra"
)

var chatGroup bool

func init() {
	chatCmd.Flags().BoolVarP(&chatGroup, "group", "g", false, "Chat in a group instead of with a user")
	rootCmd.AddCommand(chatCmd)
}

// chatREPL provides input history and line editing for interactive chat.
type chatREPL struct {
	line        *liner.State
	historyFile string
}

func newChatREPL(dir string) *chatREPL {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)
	r := &chatREPL{line: line, historyFile: filepath.Join(dir, "chat_history")}
	if f, err := os.Open(r.historyFile); err == nil {
		_, _ = r.line.ReadHistory(f)
		f.Close()
	}
	return r
}

func (r *chatREPL) read(prompt string) (string, error) {
	input, err := r.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input) != "" {
		r.line.AppendHistory(input)
	}
	return input, nil
}

// Close saves history and restores the terminal.
func (r *chatREPL) Close() {
	if f, err := os.OpenFile(r.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600); err == nil {
		_, _ = r.line.WriteHistory(f)
		f.Close()
	}
	r.line.Close()
}

const chatHelp = `Commands:
  /to <user>     switch conversation
  /group <name>  switch to a group
  /who           list online users
  /history       reload the conversation
  /quit          leave`

var chatCmd = &cobra.Command{
	Use:   "chat <recipient>",
	Short: "Chat interactively",
	Long:  "Open a live conversation. Incoming messages are printed as they arrive; type a line to send it.\n\n" + chatHelp,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
		defer stop()

		s, err := openLoggedIn(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		connectCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
		err = s.connect(connectCtx)
		cancel()
		if err != nil {
			return err
		}

		target, group := args[0], chatGroup
		open := func() {
			if group {
				s.eng.SelectGroup(target)
				for _, m := range s.eng.GroupMessages(target) {
					fmt.Println(formatMessage(m))
				}
				return
			}
			s.eng.Select(target)
			hctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			msgs, err := s.eng.LoadHistory(hctx, target)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Could not load history: %v\n", err)
				return
			}
			for _, m := range msgs {
				fmt.Println(formatMessage(m))
			}
		}

		s.eng.On(chatsync.EventNewMessage, func(_ string, p any) {
			m, ok := p.(chatsync.Message)
			if !ok {
				return
			}
			from := m.Sender
			if m.MessageType == chatsync.TypeGroupChat {
				from = m.Recipient.First()
			}
			if selected, _ := s.eng.Presence().Selected(); from == selected {
				fmt.Printf("\r%s\n", formatMessage(m))
			} else {
				fmt.Printf("\r(new message from %s)\n", from)
			}
		})
		s.eng.On(chatsync.EventStatus, func(_ string, p any) {
			st, ok := p.(chatsync.ConnStatus)
			if !ok {
				return
			}
			logx.Debug("connection status", "status", string(st))
			if st != chatsync.ConnConnected {
				fmt.Printf("\r[%s]\n", st)
			}
		})
		s.eng.On(chatsync.EventSendFailed, func(_ string, p any) {
			fmt.Fprintf(os.Stderr, "\rSend failed: %v\n", p)
		})
		s.eng.On(chatsync.EventRefetchFailed, func(_ string, p any) {
			logx.Warn("directory refresh failed", "error", fmt.Sprint(p))
		})
		s.eng.On(chatsync.EventLoggedOut, func(string, any) {
			fmt.Fprintln(os.Stderr, "\rSession expired. Run 'chatsync login' again.")
		})

		dir, err := configDir()
		if err != nil {
			return err
		}
		repl := newChatREPL(dir)
		defer repl.Close()

		open()
		for {
			input, err := repl.read(fmt.Sprintf("%s> ", target))
			if err != nil {
				if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
					fmt.Println()
					return nil
				}
				return err
			}
			input = strings.TrimSpace(input)
			if input == "" {
				continue
			}

			if strings.HasPrefix(input, "/") {
				fields := strings.Fields(input)
				switch fields[0] {
				case "/quit", "/exit":
					return nil
				case "/to", "/group":
					if len(fields) != 2 {
						fmt.Println(chatHelp)
						continue
					}
					target, group = fields[1], fields[0] == "/group"
					open()
				case "/who":
					d, err := s.eng.Directory(ctx)
					if err != nil {
						fmt.Fprintf(os.Stderr, "Could not load users: %v\n", err)
						continue
					}
					for _, u := range d.SortedUsers() {
						if u.Online {
							fmt.Printf("  %s\n", u.DisplayName())
						}
					}
				case "/history":
					open()
				default:
					fmt.Println(chatHelp)
				}
				continue
			}

			if s.eng.Session() == nil {
				return errors.New("logged out")
			}
			sendCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			_, err = s.eng.Send(sendCtx, chatsync.Draft{Recipient: target, Content: input, ContentType: chatsync.ContentPlainText, Group: group})
			cancel()
			if err != nil && !errors.Is(err, chatsync.ErrSendFailed) {
				// Send failures are already reported through EventSendFailed.
				fmt.Fprintf(os.Stderr, "Not sent: %v\n", err)
			}
		}
	},
}

package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/chatlink/chatsync"
	"github.com/chatlink/chatsync/internal/logx"
)

// session bundles an engine with the state store it owns.
type session struct {
	eng   *chatsync.Engine
	store *chatsync.SQLiteStore
}

// Close stops the engine and closes the store.
func (s *session) Close() {
	s.eng.Stop()
	if err := s.store.Close(); err != nil {
		logx.Error(err, "closing state store")
	}
}

// openSession builds an engine from the config file, backed by ~/.chatsync/state.db.
func openSession() (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	opts, err := cfg.engineOptions()
	if err != nil {
		return nil, err
	}
	dir, err := configDir()
	if err != nil {
		return nil, err
	}
	store, err := chatsync.OpenSQLiteStore(filepath.Join(dir, "state.db"))
	if err != nil {
		return nil, err
	}
	log := logx.Component("cli")
	opts.Store = store
	opts.Logger = &log

	eng, err := chatsync.NewEngine(opts)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return &session{eng: eng, store: store}, nil
}

// openLoggedIn opens a session and restores the stored login.
func openLoggedIn(ctx context.Context) (*session, error) {
	s, err := openSession()
	if err != nil {
		return nil, err
	}
	_, ok, err := s.eng.Restore(ctx)
	if err != nil {
		s.Close()
		return nil, err
	}
	if !ok {
		s.Close()
		return nil, errors.New("not logged in; run 'chatsync login <username>' first")
	}
	return s, nil
}

// connect starts the engine and waits until the socket is live.
func (s *session) connect(ctx context.Context) error {
	if err := s.eng.Start(ctx); err != nil {
		return err
	}
	start := time.Now()
	logx.Debug("waiting for connection", "status", string(s.eng.Status()))
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for !s.eng.Status().Live() {
		if s.eng.Conn().GaveUp() {
			logx.Warn("connection attempts exhausted", "elapsed", time.Since(start).String())
			return errors.New("could not connect to the server")
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for connection: %w", ctx.Err())
		case <-ticker.C:
		}
	}
	logx.Debug("connected", "elapsed", time.Since(start).String())
	return nil
}

// formatMessage renders one message as a single line.
func formatMessage(m chatsync.Message) string {
	ts := m.Time()
	stamp := "--:--"
	if !ts.IsZero() {
		stamp = ts.Local().Format("Jan 02 15:04")
	}
	text := chatsync.PlainText(m.Text(), m.ContentType)
	if m.Pending() {
		text += " (sending)"
	}
	return fmt.Sprintf("[%s] %s: %s", stamp, m.Sender, text)
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

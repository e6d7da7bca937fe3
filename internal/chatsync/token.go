package chatsync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// TokenSource supplies the bearer token used to open the socket. An
// empty token means signed out.
type TokenSource interface {
	Token() (string, bool)
	Watch() *Feed[string]
}

// StaticToken is a TokenSource whose value is set by the caller.
type StaticToken struct {
	value *Observable[string]
}

// NewStaticToken returns a StaticToken holding token.
func NewStaticToken(token string) *StaticToken {
	return &StaticToken{value: NewObservable(token)}
}

// Token returns the current token and whether one is present.
func (s *StaticToken) Token() (string, bool) {
	t := s.value.Get()
	return t, t != ""
}

// Set replaces the token. Setting "" signs out.
func (s *StaticToken) Set(token string) {
	s.value.Set(token)
}

// Watch returns a feed of token values, starting with the current one.
func (s *StaticToken) Watch() *Feed[string] {
	return s.value.Watch()
}

// FileTokenSource reads the token from a file and follows rewrites of
// it. A missing or empty file means signed out.
type FileTokenSource struct {
	path   string
	logger *slog.Logger
	value  *Observable[string]
}

// NewFileTokenSource reads path once. The file may not exist yet.
func NewFileTokenSource(path string, logger *slog.Logger) (*FileTokenSource, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving token file path: %w", err)
	}

	token, err := readTokenFile(abs)
	if err != nil {
		return nil, err
	}

	return &FileTokenSource{
		path:   abs,
		logger: logger,
		value:  NewObservable(token),
	}, nil
}

// Token returns the current token and whether one is present.
func (f *FileTokenSource) Token() (string, bool) {
	t := f.value.Get()
	return t, t != ""
}

// Watch returns a feed of token values, starting with the current one.
func (f *FileTokenSource) Watch() *Feed[string] {
	return f.value.Watch()
}

// Run watches the token file's directory until ctx is cancelled. The
// directory is watched rather than the file so editors and credential
// helpers that replace the file by rename are followed.
func (f *FileTokenSource) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		return fmt.Errorf("watching token dir: %w", err)
	}

	f.logger.Info("token file watcher started", slog.String("path", f.path))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if event.Name != f.path {
				continue
			}

			f.reload()

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			f.logger.Warn("token watcher error", slog.String("error", err.Error()))
		}
	}
}

func (f *FileTokenSource) reload() {
	token, err := readTokenFile(f.path)
	if err != nil {
		f.logger.Warn("reading token file", slog.String("error", err.Error()))
		return
	}

	if token != f.value.Get() {
		f.logger.Info("access token changed", slog.Bool("present", token != ""))
	}

	f.value.Set(token)
}

func readTokenFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}

	if err != nil {
		return "", fmt.Errorf("reading token file: %w", err)
	}

	return strings.TrimSpace(string(data)), nil
}

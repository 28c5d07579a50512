package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/ggoodman/mcp-bridge-go/credentials"
)

// ErrNoCredential is returned by a Source that currently has no credential.
var ErrNoCredential = errors.New("no credential available")

// Source supplies a pre-resolved credential for single-tenant deployments.
type Source interface {
	Credential(ctx context.Context) (credentials.Credential, error)
}

// StaticSource always returns the same credential.
type StaticSource string

func (s StaticSource) Credential(context.Context) (credentials.Credential, error) {
	if s == "" {
		return credentials.Credential{}, ErrNoCredential
	}
	return credentials.New(string(s), credentials.SourceStatic), nil
}

// EnvSource reads the named environment variable on every call.
type EnvSource string

func (s EnvSource) Credential(context.Context) (credentials.Credential, error) {
	v := strings.TrimSpace(os.Getenv(string(s)))
	if v == "" {
		return credentials.Credential{}, ErrNoCredential
	}
	return credentials.New(v, credentials.SourceEnv), nil
}

// FileSource serves the trimmed contents of a file and reloads it whenever
// the file is written, replaced or removed.
type FileSource struct {
	path    string
	log     *slog.Logger
	watcher *fsnotify.Watcher

	mu   sync.RWMutex
	cred credentials.Credential
	err  error

	closeOnce sync.Once
	done      chan struct{}
}

// NewFileSource reads path and starts watching it until ctx ends or Close is
// called. The parent directory is watched so that atomic replacement (write
// to a temp file, then rename) is observed.
func NewFileSource(ctx context.Context, path string, log *slog.Logger) (*FileSource, error) {
	if log == nil {
		log = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("credential file path: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("credential file watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	f := &FileSource{path: abs, log: log, watcher: w, done: make(chan struct{})}
	if err := f.reload(); err != nil {
		_ = w.Close()
		return nil, err
	}

	go f.watch(ctx)
	return f, nil
}

func (f *FileSource) reload() error {
	b, err := os.ReadFile(f.path)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err != nil {
		f.cred, f.err = credentials.Credential{}, fmt.Errorf("read credential file: %w", err)
		return f.err
	}
	token := strings.TrimSpace(string(b))
	if token == "" {
		f.cred, f.err = credentials.Credential{}, ErrNoCredential
		return nil
	}
	f.cred, f.err = credentials.New(token, credentials.SourceFile), nil
	return nil
}

func (f *FileSource) watch(ctx context.Context) {
	defer func() { _ = f.watcher.Close() }()
	for {
		select {
		case <-ctx.Done():
			return
		case <-f.done:
			return
		case ev, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != f.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
				continue
			}
			if err := f.reload(); err != nil {
				f.log.WarnContext(ctx, "auth.credential_file.reload.fail", slog.String("path", f.path), slog.String("err", err.Error()))
				continue
			}
			f.log.InfoContext(ctx, "auth.credential_file.reload", slog.String("path", f.path))
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.log.WarnContext(ctx, "auth.credential_file.watch.fail", slog.String("err", err.Error()))
		}
	}
}

func (f *FileSource) Credential(context.Context) (credentials.Credential, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.cred, f.err
}

// Close stops watching the file.
func (f *FileSource) Close() error {
	f.closeOnce.Do(func() { close(f.done) })
	return nil
}

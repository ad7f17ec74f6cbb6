// Package runfiles owns the daemon's runtime directory and the transient
// files inside it: named pipes for the executor protocol and the opened
// descriptors for stdio redirection.
package runfiles

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/aweager/command-server/internal/api"
)

// Dir resolves the runtime directory for transient pipes:
// $XDG_RUNTIME_DIR/command-server, or $HOME/.cache/command-server when
// XDG_RUNTIME_DIR is unset.
func Dir() string {
	base := os.Getenv("XDG_RUNTIME_DIR")
	if base == "" {
		base = filepath.Join(os.Getenv("HOME"), ".cache")
	}
	return filepath.Join(base, "command-server")
}

// EnsureDir creates the runtime directory if absent.
func EnsureDir() error {
	return os.MkdirAll(Dir(), 0o700)
}

// Fifo is a named pipe under the runtime directory. It is unlinked exactly
// once, on whichever of Unlink's callers gets there first.
type Fifo struct {
	Path string

	log        *zap.Logger
	unlinkOnce sync.Once
}

// MakeFifo creates a pipe named <rundir>/<pid>.<random>.<hint>.pipe.
func MakeFifo(hint string, log *zap.Logger) (*Fifo, error) {
	path := filepath.Join(Dir(), fmt.Sprintf("%d.%s.%s.pipe", os.Getpid(), uuid.NewString(), hint))
	if err := unix.Mkfifo(path, 0o600); err != nil {
		return nil, &api.FileError{
			Type:   api.FileCreateFailed,
			Path:   path,
			Detail: err.Error(),
		}
	}
	log.Debug("made fifo", zap.String("path", path))
	return &Fifo{Path: path, log: log}, nil
}

// Unlink removes the pipe from the filesystem. Best-effort: a missing file
// is fine, anything else is logged.
func (f *Fifo) Unlink() {
	f.unlinkOnce.Do(func() {
		if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			f.log.Error("could not unlink fifo", zap.String("path", f.Path), zap.Error(err))
		}
	})
}

// Mode selects how a path is opened. Modes combine with bitwise OR.
type Mode uint8

const (
	Read Mode = 1 << iota
	Write
)

func (m Mode) flag() int {
	switch m {
	case Read:
		return os.O_RDONLY
	case Write:
		return os.O_WRONLY
	default:
		return os.O_RDWR
	}
}

// Open opens path in the given mode. Note that opening one end of a FIFO
// blocks until the peer opens the other.
func Open(path string, mode Mode) (*os.File, error) {
	f, err := os.OpenFile(path, mode.flag(), 0)
	if err != nil {
		return nil, &api.FileError{
			Type:   api.FileOpenFailed,
			Path:   path,
			Detail: err.Error(),
		}
	}
	return f, nil
}

// Request names one path and the mode it is needed in.
type Request struct {
	Path string
	Mode Mode
}

// FileList holds files that close together.
type FileList struct {
	Files []*os.File

	closeOnce sync.Once
	closeErr  error
}

// Close closes every distinct file once, combining any errors. The list may
// hold the same file at several positions when paths were coalesced.
func (l *FileList) Close() error {
	l.closeOnce.Do(func() {
		seen := make(map[*os.File]struct{}, len(l.Files))
		for _, f := range l.Files {
			if _, dup := seen[f]; dup {
				continue
			}
			seen[f] = struct{}{}
			l.closeErr = multierr.Append(l.closeErr, f.Close())
		}
	})
	return l.closeErr
}

// OpenMultiple opens every requested path, coalescing duplicates: a path
// requested as both stdin and stdout of the same child opens once, with the
// modes OR-ed. All-or-nothing: on any failure everything already opened is
// closed. The returned list matches the requests positionally.
func OpenMultiple(reqs ...Request) (*FileList, error) {
	modeByPath := make(map[string]Mode)
	order := make([]string, 0, len(reqs))
	for _, req := range reqs {
		if _, seen := modeByPath[req.Path]; !seen {
			order = append(order, req.Path)
		}
		modeByPath[req.Path] |= req.Mode
	}

	fileByPath := make(map[string]*os.File, len(order))
	for _, path := range order {
		f, err := Open(path, modeByPath[path])
		if err != nil {
			opened := make([]*os.File, 0, len(fileByPath))
			for _, g := range fileByPath {
				opened = append(opened, g)
			}
			_ = (&FileList{Files: opened}).Close()
			return nil, err
		}
		fileByPath[path] = f
	}

	files := make([]*os.File, len(reqs))
	for i, req := range reqs {
		files[i] = fileByPath[req.Path]
	}
	return &FileList{Files: files}, nil
}

// Package upload writes incoming files under the share root. Each file is
// streamed to a staging file in the state dir, fsynced, and renamed into
// place, so a concurrent download never observes a partial write. Writes to
// the same destination path are serialized.
package upload

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"sharedrop/internal/fsutil"
)

// ErrEmptyName is returned for parts with no usable filename.
var ErrEmptyName = errors.New("empty filename")

type Saver struct {
	rootAbs string
	dir     string // staging area under the state dir

	mu    sync.Mutex
	locks map[string]*destLock // keyed by destination abs path
}

// destLock serializes writers to one destination. Entries are refcounted
// and removed from the map when the last writer releases, so the map does
// not grow with every path ever uploaded.
type destLock struct {
	mu   sync.Mutex
	refs int
}

func NewSaver(rootAbs, stateDir string) (*Saver, error) {
	dir := filepath.Join(stateDir, "uploads")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Saver{
		rootAbs: rootAbs,
		dir:     dir,
		locks:   map[string]*destLock{},
	}, nil
}

// Save streams r into <root>/<destRel>/<filename>. The filename is reduced
// to its base name; destRel escaping the root is rejected.
func (s *Saver) Save(ctx context.Context, destRel, filename string, r io.Reader) (absPath string, size int64, err error) {
	name := filepath.Base(fsutil.CleanRelPath(filename))
	if name == "" || name == "." || name == string(filepath.Separator) {
		return "", 0, ErrEmptyName
	}
	dst, err := fsutil.JoinWithinRoot(s.rootAbs, fsutil.JoinRel(fsutil.CleanRelPath(destRel), name))
	if err != nil {
		return "", 0, err
	}

	tmp, err := s.stage(ctx, r)
	if err != nil {
		return "", 0, err
	}
	defer os.Remove(tmp)

	st, err := os.Stat(tmp)
	if err != nil {
		return "", 0, err
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", 0, err
	}

	l := s.acquire(dst)
	defer s.release(dst, l)
	if err := os.Rename(tmp, dst); err != nil {
		// Rename across filesystems fails; fall back to a copy.
		if err2 := copyFile(tmp, dst); err2 != nil {
			return "", 0, fmt.Errorf("place upload: rename=%v copy=%v", err, err2)
		}
	}
	return dst, st.Size(), nil
}

// stage copies r into a fresh staging file and fsyncs it.
func (s *Saver) stage(ctx context.Context, r io.Reader) (string, error) {
	var suf [8]byte
	if _, err := rand.Read(suf[:]); err != nil {
		return "", err
	}
	tmp := filepath.Join(s.dir, "mp-"+hex.EncodeToString(suf[:])+".tmp")
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return "", err
	}

	buf := make([]byte, 1024*1024)
	for {
		if err := ctx.Err(); err != nil {
			f.Close()
			os.Remove(tmp)
			return "", err
		}
		n, rerr := r.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				f.Close()
				os.Remove(tmp)
				return "", werr
			}
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			f.Close()
			os.Remove(tmp)
			return "", rerr
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return tmp, nil
}

func (s *Saver) acquire(dst string) *destLock {
	s.mu.Lock()
	l, ok := s.locks[dst]
	if !ok {
		l = &destLock{}
		s.locks[dst] = l
	}
	l.refs++
	s.mu.Unlock()
	l.mu.Lock()
	return l
}

func (s *Saver) release(dst string, l *destLock) {
	l.mu.Unlock()
	s.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(s.locks, dst)
	}
	s.mu.Unlock()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	if err := out.Sync(); err != nil {
		return err
	}
	return out.Close()
}

// Copyright (C) The Paradigm Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package paradigm

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// RunState is the working-directory tree of one run. Keys are
// slash-separated paths relative to the run root. Jobs write their
// outputs into it; the orchestrator uses links for the "current
// iteration" references.
type RunState interface {
	Exists(key string) bool
	Read(key string) ([]byte, error)
	// AtomicWrite replaces key with data; readers see either the
	// old or the new content, never a partial write.
	AtomicWrite(key string, data []byte) error
	// Link makes key refer to target (a key relative to key's
	// parent), replacing any existing link.
	Link(key, target string) error
	// Mkdir creates a directory (and its parents). Existing
	// directories are not an error.
	Mkdir(key string) error
	// List returns the sorted names of the entries directly under
	// dir.
	List(dir string) ([]string, error)
}

// dirState is a RunState backed by a directory on the local
// filesystem (possibly an arv-mount).
type dirState struct {
	Root string
}

func NewDirState(root string) RunState { return &dirState{Root: root} }

func (s *dirState) path(key string) string {
	return filepath.Join(s.Root, filepath.FromSlash(key))
}

func (s *dirState) Exists(key string) bool {
	_, err := os.Stat(s.path(key))
	return err == nil
}

func (s *dirState) Read(key string) ([]byte, error) {
	return os.ReadFile(s.path(key))
}

func (s *dirState) AtomicWrite(key string, data []byte) error {
	fnm := s.path(key)
	if err := os.MkdirAll(filepath.Dir(fnm), 0777); err != nil {
		return err
	}
	f, err := os.OpenFile(fnm+"~", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(data)
	if err != nil {
		return err
	}
	err = f.Close()
	if err != nil {
		return err
	}
	return os.Rename(fnm+"~", fnm)
}

func (s *dirState) Link(key, target string) error {
	fnm := s.path(key)
	err := os.Remove(fnm)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.Symlink(filepath.FromSlash(target), fnm)
}

func (s *dirState) Mkdir(key string) error {
	return os.MkdirAll(s.path(key), 0777)
}

func (s *dirState) List(dir string) ([]string, error) {
	ents, err := os.ReadDir(s.path(dir))
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ents))
	for _, ent := range ents {
		if strings.HasSuffix(ent.Name(), "~") {
			continue
		}
		names = append(names, ent.Name())
	}
	sort.Strings(names)
	return names, nil
}

// memState is an in-memory RunState with the same link semantics
// as symlinks in a directory tree.
type memState struct {
	mtx   sync.Mutex
	files map[string][]byte
	dirs  map[string]bool
	links map[string]string
}

func NewMemState() RunState {
	return &memState{
		files: map[string][]byte{},
		dirs:  map[string]bool{"": true},
		links: map[string]string{},
	}
}

// resolve follows links in every path component of key.
func (s *memState) resolve(key string) (string, error) {
	resolved := ""
	hops := 0
	for _, part := range strings.Split(path.Clean(key), "/") {
		if part == "." {
			continue
		}
		next := path.Join(resolved, part)
		for {
			target, ok := s.links[next]
			if !ok {
				break
			}
			if hops++; hops > 40 {
				return "", fmt.Errorf("%s: too many levels of links", key)
			}
			next = path.Join(path.Dir(next), target)
		}
		resolved = next
	}
	return resolved, nil
}

func (s *memState) Exists(key string) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	k, err := s.resolve(key)
	if err != nil {
		return false
	}
	_, isFile := s.files[k]
	return isFile || s.dirs[k]
}

func (s *memState) Read(key string) ([]byte, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	k, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	data, ok := s.files[k]
	if !ok {
		return nil, &fs.PathError{Op: "read", Path: key, Err: fs.ErrNotExist}
	}
	return append([]byte(nil), data...), nil
}

func (s *memState) AtomicWrite(key string, data []byte) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	k, err := s.resolve(key)
	if err != nil {
		return err
	}
	s.mkdirs(path.Dir(k))
	s.files[k] = append([]byte(nil), data...)
	return nil
}

func (s *memState) Link(key, target string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	dir, err := s.resolve(path.Dir(key))
	if err != nil {
		return err
	}
	k := path.Join(dir, path.Base(key))
	if s.dirs[k] {
		return &fs.PathError{Op: "link", Path: key, Err: fs.ErrExist}
	}
	delete(s.files, k)
	s.mkdirs(dir)
	s.links[k] = target
	return nil
}

func (s *memState) Mkdir(key string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	k, err := s.resolve(key)
	if err != nil {
		return err
	}
	s.mkdirs(k)
	return nil
}

func (s *memState) mkdirs(dir string) {
	for dir != "." && dir != "/" && dir != "" && !s.dirs[dir] {
		s.dirs[dir] = true
		dir = path.Dir(dir)
	}
}

func (s *memState) List(dir string) ([]string, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	d, err := s.resolve(dir)
	if err != nil {
		return nil, err
	}
	if d == "." {
		d = ""
	}
	if !s.dirs[d] {
		return nil, &fs.PathError{Op: "list", Path: dir, Err: fs.ErrNotExist}
	}
	prefix := d + "/"
	if d == "" {
		prefix = ""
	}
	seen := map[string]bool{}
	collect := func(k string) {
		if !strings.HasPrefix(k, prefix) || k == d {
			return
		}
		rest := k[len(prefix):]
		if rest == "" || strings.Contains(rest, "/") {
			return
		}
		seen[rest] = true
	}
	for k := range s.files {
		collect(k)
	}
	for k := range s.dirs {
		collect(k)
	}
	for k := range s.links {
		collect(k)
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

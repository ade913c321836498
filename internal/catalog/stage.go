package catalog

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
)

// Staging collects downloaded files in a hidden directory under dest and
// moves them into place only on Commit.
type Staging struct {
	dest  string
	dir   string
	files []string
	bytes int64
}

// NewStaging creates dest if needed and a fresh staging directory in it.
func NewStaging(dest string) (*Staging, error) {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, fmt.Errorf("creating destination: %w", err)
	}
	dir, err := os.MkdirTemp(dest, ".eve-fetch-*")
	if err != nil {
		return nil, fmt.Errorf("creating staging dir: %w", err)
	}
	return &Staging{dest: dest, dir: dir}, nil
}

// Write stores data for the catalog path p in the staging area.
func (s *Staging) Write(p string, data []byte) error {
	if !ValidPath(p) {
		return fmt.Errorf("%w: %q", errInvalidPath, p)
	}
	target := filepath.Join(s.dir, filepath.FromSlash(p))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(target), err)
	}
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", p, err)
	}
	s.files = append(s.files, p)
	s.bytes += int64(len(data))
	return nil
}

// Bytes is the total size written so far.
func (s *Staging) Bytes() int64 {
	return s.bytes
}

// Commit moves every staged file to its final location under dest and
// removes the staging directory. It is all or nothing: when a move fails,
// the files already moved are put back, files they replaced are restored
// and directories created for them are removed again.
func (s *Staging) Commit() (err error) {
	var (
		moved     []move
		made      []string
		backupDir string
	)
	defer func() {
		if err == nil {
			return
		}
		for i := len(moved) - 1; i >= 0; i-- {
			moved[i].undo()
		}
		for i := len(made) - 1; i >= 0; i-- {
			os.Remove(made[i])
		}
		if backupDir != "" {
			os.RemoveAll(backupDir)
		}
	}()

	for i, p := range s.files {
		m := move{
			from: filepath.Join(s.dir, filepath.FromSlash(p)),
			to:   filepath.Join(s.dest, filepath.FromSlash(p)),
		}
		created, err := mkdirs(filepath.Dir(m.to))
		made = append(made, created...)
		if err != nil {
			return fmt.Errorf("creating %s: %w", filepath.Dir(m.to), err)
		}

		if info, err := os.Lstat(m.to); err == nil {
			if info.IsDir() {
				return fmt.Errorf("moving %s into place: %s is a directory", p, m.to)
			}
			if backupDir == "" {
				if backupDir, err = os.MkdirTemp(s.dest, ".eve-backup-*"); err != nil {
					return fmt.Errorf("creating backup dir: %w", err)
				}
			}
			m.backup = filepath.Join(backupDir, strconv.Itoa(i))
			if err := os.Rename(m.to, m.backup); err != nil {
				return fmt.Errorf("moving %s aside: %w", m.to, err)
			}
		} else if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("checking %s: %w", m.to, err)
		}

		if err := os.Rename(m.from, m.to); err != nil {
			if m.backup != "" {
				os.Rename(m.backup, m.to)
			}
			return fmt.Errorf("moving %s into place: %w", p, err)
		}
		moved = append(moved, m)
	}

	if backupDir != "" {
		os.RemoveAll(backupDir)
	}
	return os.RemoveAll(s.dir)
}

// move is one committed file and the file it replaced, if any.
type move struct {
	from, to string
	backup   string
}

func (m move) undo() {
	os.Rename(m.to, m.from)
	if m.backup != "" {
		os.Rename(m.backup, m.to)
	}
}

// mkdirs creates dir and any missing parents, returning the directories it
// created, outermost first.
func mkdirs(dir string) ([]string, error) {
	var missing []string
	for d := dir; ; {
		_, err := os.Lstat(d)
		if err == nil {
			break
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		missing = append(missing, d)
		parent := filepath.Dir(d)
		if parent == d {
			break
		}
		d = parent
	}

	var made []string
	for i := len(missing) - 1; i >= 0; i-- {
		if err := os.Mkdir(missing[i], 0o755); err != nil {
			return made, err
		}
		made = append(made, missing[i])
	}
	info, err := os.Stat(dir)
	if err != nil {
		return made, err
	}
	if !info.IsDir() {
		return made, fmt.Errorf("%s is not a directory", dir)
	}
	return made, nil
}

// Discard drops everything staged so far.
func (s *Staging) Discard() error {
	return os.RemoveAll(s.dir)
}

// Package localfs implements the atomic file writer and the other local
// file-system operations the queue dispatches into: write-via-temp-then-
// rename, unlink (with optional empty-parent pruning), recursive removal,
// and the sorted recursive directory listing.
package localfs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/bucketmirror/bucketmirror/logging"
	"github.com/bucketmirror/bucketmirror/pathcmp"
	"github.com/bucketmirror/bucketmirror/platform"
)

// Entry is a single listed file-system node. Directories are reported
// with RelativePath ending in the host separator; regular files without.
type Entry struct {
	RelativePath string
	Mtime        time.Time
	Size         int64
	IsDir        bool
}

// Tree performs atomic writes and other mutations against a mirror rooted
// at Root, staging temporary files either under Root or under TmpDir if
// set.
type Tree struct {
	Root     string
	TmpDir   string
	TmpSuffix string
	Profile  platform.Profile
}

// New constructs a Tree. tmpSuffix defaults to ".tmp" and tmpDir defaults
// to root, matching the config surface's defaults.
func New(root, tmpDir, tmpSuffix string, profile platform.Profile) *Tree {
	if tmpSuffix == "" {
		tmpSuffix = ".tmp"
	}
	if tmpDir == "" {
		tmpDir = root
	}
	return &Tree{Root: root, TmpDir: tmpDir, TmpSuffix: tmpSuffix, Profile: profile}
}

func (t *Tree) targetPath(transformedKey string) string {
	return filepath.Join(t.Root, filepath.FromSlash(transformedKey))
}

// WriteObject materializes an object body at transformedKey by staging it
// under a randomly-suffixed temp name and promoting it with a rename.
//
// Rename is atomic only within a single file system; if TmpDir crosses a
// mount boundary the promotion silently degrades to copy-then-delete.
// This is documented behavior, not a bug.
func (t *Tree) WriteObject(transformedKey string, body io.Reader) error {
	target := t.targetPath(transformedKey)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("localfs: ensure parent dir for %q: %w", transformedKey, err)
	}

	tmpName := transformedKey + "." + uuid.NewString() + t.TmpSuffix
	tmpPath := filepath.Join(t.TmpDir, filepath.FromSlash(tmpName))
	if err := os.MkdirAll(filepath.Dir(tmpPath), 0o755); err != nil {
		return fmt.Errorf("localfs: ensure tmp dir for %q: %w", transformedKey, err)
	}

	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("localfs: create temp file for %q: %w", transformedKey, err)
	}
	n, err := io.Copy(f, body)
	if err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("localfs: write body for %q: %w", transformedKey, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("localfs: close temp file for %q: %w", transformedKey, err)
	}

	if err := promote(tmpPath, target); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("localfs: promote %q: %w", transformedKey, err)
	}
	logging.Debugf(transformedKey, "wrote %s", logging.Bytes(n))
	return nil
}

// promote renames src to dst, falling back to copy-then-delete whenever
// the rename fails. os.Rename reports every failure as *os.LinkError, so
// the fallback is not limited to the cross-device case; when the cause
// is something else, the copy usually fails too and its error is
// returned.
func promote(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) {
		return err
	}
	return copyThenDelete(src, dst)
}

func copyThenDelete(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}

// Mkdir ensures the directory named by transformedKey exists, creating
// intermediate directories as needed. No object body is involved.
func (t *Tree) Mkdir(transformedKey string) error {
	target := t.targetPath(transformedKey)
	if err := os.MkdirAll(target, 0o755); err != nil {
		return fmt.Errorf("localfs: mkdir %q: %w", transformedKey, err)
	}
	return nil
}

// RemoveFile unlinks relativePath. If pruneEmptyDirs is true and the
// parent directory is then empty and is not the mirror root, the parent
// is removed too.
//
// A missing file is an acceptable, non-fatal condition.
func (t *Tree) RemoveFile(relativePath string, pruneEmptyDirs bool) error {
	target := t.targetPath(relativePath)
	if err := os.Remove(target); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("localfs: remove %q: %w", relativePath, err)
	}
	if !pruneEmptyDirs {
		return nil
	}
	parent := filepath.Dir(target)
	if cleanRoot := filepath.Clean(t.Root); parent == cleanRoot {
		return nil
	}
	empty, err := dirIsEmpty(parent)
	if err != nil || !empty {
		return nil
	}
	if err := os.Remove(parent); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("localfs: prune empty dir for %q: %w", relativePath, err)
	}
	return nil
}

func dirIsEmpty(dir string) (bool, error) {
	f, err := os.Open(dir)
	if err != nil {
		return false, err
	}
	defer f.Close()
	_, err = f.Readdirnames(1)
	if err == io.EOF {
		return true, nil
	}
	return false, err
}

// RemoveDirRecursive removes the subtree at relativePath. It refuses to
// remove the mirror root or any file-system root path.
func (t *Tree) RemoveDirRecursive(relativePath string) error {
	target := t.targetPath(relativePath)
	clean := filepath.Clean(target)
	if clean == filepath.Clean(t.Root) {
		return fmt.Errorf("localfs: refusing to remove mirror root %q", t.Root)
	}
	if isFilesystemRoot(clean) {
		return fmt.Errorf("localfs: refusing to remove file-system root %q", clean)
	}
	if err := os.RemoveAll(target); err != nil {
		return fmt.Errorf("localfs: remove dir %q: %w", relativePath, err)
	}
	return nil
}

func isFilesystemRoot(p string) bool {
	return filepath.Dir(p) == p
}

// List performs a recursive, pre-order directory walk: directories are
// emitted as path+separator ahead of their contents, and the full result
// is sorted by the UTF-8 comparator.
func (t *Tree) List() ([]Entry, error) {
	var entries []Entry
	root := filepath.Clean(t.Root)

	var walk func(dir, relPrefix string) error
	walk = func(dir, relPrefix string) error {
		items, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return fmt.Errorf("localfs: read dir %q: %w", dir, err)
		}
		for _, item := range items {
			name := item.Name()
			rel := relPrefix + name
			full := filepath.Join(dir, name)
			info, err := item.Info()
			if err != nil {
				return fmt.Errorf("localfs: stat %q: %w", full, err)
			}
			if item.IsDir() {
				sep := t.Profile.HostSeparatorString()
				dirRel := rel + sep
				entries = append(entries, Entry{
					RelativePath: dirRel,
					Mtime:        info.ModTime(),
					IsDir:        true,
				})
				if err := walk(full, dirRel); err != nil {
					return err
				}
				continue
			}
			entries = append(entries, Entry{
				RelativePath: rel,
				Mtime:        info.ModTime(),
				Size:         info.Size(),
			})
		}
		return nil
	}

	if err := walk(root, ""); err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool {
		return pathcmp.Less(entries[i].RelativePath, entries[j].RelativePath)
	})
	return entries, nil
}

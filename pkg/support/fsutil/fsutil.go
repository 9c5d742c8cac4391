// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package fsutil contains utilities for working with the file system.
package fsutil

import (
	"io"
	"os"
	"os/user"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// MustFileExists returns whether the file or directory exists.
// It panics on file system errors.
func MustFileExists(path string) bool {
	exists, err := FileExists(path)
	if err != nil {
		panic(err)
	}
	return exists
}

// FileExists returns whether the file or directory exists or an error if something went wrong in the filesystem.
func FileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, errors.Wrapf(err, "failed to FileExists(%q)", path)
}

// MustReplaceTildeInDir by the user's home directory. Returns dir if it doesn't start with "~".
//
// It may panic with an error if `dir` has an unknown user (e.g: `~unknown/...`)
func MustReplaceTildeInDir(dir string) string {
	dir, err := ReplaceTildeInDir(dir)
	if err != nil {
		panic(err)
	}
	return dir
}

// ReplaceTildeInDir by the user's home directory. Returns dir if it doesn't start with "~".
//
// It returns an error if `dir` has an unknown user or some other filesystem error (e.g: `~unknown/...`)
func ReplaceTildeInDir(dir string) (string, error) {
	if len(dir) == 0 || dir[0] != '~' {
		return dir, nil
	}
	var userName string
	if dir != "~" && !strings.HasPrefix(dir, "~/") {
		userName, _, _ = strings.Cut(dir[1:], "/")
	}
	var usr *user.User
	var err error
	if userName == "" {
		usr, err = user.Current()
	} else {
		usr, err = user.Lookup(userName)
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to lookup home directory for user in path %q", dir)
	}
	return path.Join(usr.HomeDir, dir[1+len(userName):]), nil
}

// WriteFileAtomic writes the contents produced by write to filePath, in a durable way: the contents go to a
// temporary file in the same directory, which is synced and then renamed over filePath, and finally the
// directory itself is synced.
//
// Readers either see the previous file or the complete new one. On error no file is left behind.
func WriteFileAtomic(filePath string, perm os.FileMode, write func(w io.Writer) error) error {
	dir := filepath.Dir(filePath)
	tmpPath := filepath.Join(dir, "."+filepath.Base(filePath)+".tmp-"+uuid.NewString())
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return errors.Wrapf(err, "failed to create temporary file for %q", filePath)
	}
	committed := false
	defer func() {
		if !committed {
			_ = f.Close()
			if err := os.Remove(tmpPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				klog.Warningf("failed to remove temporary file %q: %v", tmpPath, err)
			}
		}
	}()

	if err = write(f); err != nil {
		return errors.WithMessagef(err, "writing %q", filePath)
	}
	if err = f.Sync(); err != nil {
		return errors.Wrapf(err, "failed to sync %q", tmpPath)
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "failed to close %q", tmpPath)
	}
	if err = os.Rename(tmpPath, filePath); err != nil {
		return errors.Wrapf(err, "failed to rename %q to %q", tmpPath, filePath)
	}
	committed = true
	return SyncDir(dir)
}

// CopyFileAtomic copies srcPath to dstPath with WriteFileAtomic.
func CopyFileAtomic(srcPath, dstPath string, perm os.FileMode) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return errors.Wrapf(err, "failed to open %q", srcPath)
	}
	defer func() { _ = src.Close() }()
	return WriteFileAtomic(dstPath, perm, func(w io.Writer) error {
		_, err := io.Copy(w, src)
		if err != nil {
			return errors.Wrapf(err, "failed to copy %q", srcPath)
		}
		return nil
	})
}

// SyncDir fsyncs the directory, making renames and file creations in it durable.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return errors.Wrapf(err, "failed to open directory %q", dir)
	}
	defer func() { _ = d.Close() }()
	if err := d.Sync(); err != nil {
		return errors.Wrapf(err, "failed to sync directory %q", dir)
	}
	return nil
}

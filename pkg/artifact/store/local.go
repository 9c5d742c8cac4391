// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/gomlx/kerneldeploy/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// LocalStore keeps artifacts as files in a directory.
type LocalStore struct {
	Dir string
}

var _ Store = (*LocalStore)(nil)

// Upload implements Store.
func (s *LocalStore) Upload(ctx context.Context, sourcePath, key string) error {
	log := klog.FromContext(ctx)
	destPath := filepath.Join(s.Dir, key)
	exists, err := fsutil.FileExists(destPath)
	if err != nil {
		return err
	}
	if exists {
		log.Info("artifact already exists in store", "path", destPath)
		return nil
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create store directory %q", s.Dir)
	}
	startedAt := time.Now()
	if err := fsutil.CopyFileAtomic(sourcePath, destPath, 0o644); err != nil {
		return err
	}
	log.Info("uploaded artifact", "source", sourcePath, "destination", destPath, "duration", time.Since(startedAt))
	return nil
}

// Download implements Reader.
func (s *LocalStore) Download(ctx context.Context, key, destPath string) error {
	log := klog.FromContext(ctx)
	srcPath := filepath.Join(s.Dir, key)
	src, err := os.Open(srcPath)
	if err != nil {
		return errors.Wrapf(err, "opening artifact %q", key)
	}
	defer func() { _ = src.Close() }()
	n, err := writeToFile(src, destPath)
	if err != nil {
		return err
	}
	log.V(1).Info("copied artifact", "source", srcPath, "destination", destPath, "bytes", n)
	return nil
}

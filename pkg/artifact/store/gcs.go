// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"io"
	"os"
	"path"
	"time"

	"cloud.google.com/go/storage"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// GCSStore keeps artifacts as objects in a Google Cloud Storage bucket, optionally under a prefix.
//
// Credentials are the application default ones.
type GCSStore struct {
	Bucket string
	Prefix string
}

var _ Store = (*GCSStore)(nil)

func (s *GCSStore) objectName(key string) string {
	if s.Prefix == "" {
		return key
	}
	return path.Join(s.Prefix, key)
}

func (s *GCSStore) url(key string) string {
	return "gs://" + s.Bucket + "/" + s.objectName(key)
}

// Upload implements Store.
func (s *GCSStore) Upload(ctx context.Context, sourcePath, key string) error {
	log := klog.FromContext(ctx)

	src, err := os.Open(sourcePath)
	if err != nil {
		return errors.Wrapf(err, "opening source file")
	}
	defer func() { _ = src.Close() }()

	gcsURL := s.url(key)
	client, err := storage.NewClient(ctx)
	if err != nil {
		return errors.Wrapf(err, "creating GCS storage client")
	}
	defer func() { _ = client.Close() }()

	obj := client.Bucket(s.Bucket).Object(s.objectName(key))
	if _, err := obj.Attrs(ctx); err == nil {
		log.Info("artifact already exists in GCS", "url", gcsURL)
		return nil
	} else if !errors.Is(err, storage.ErrObjectNotExist) {
		return errors.Wrapf(err, "getting object attributes for %q", gcsURL)
	}

	log.Info("uploading artifact to GCS", "source", sourcePath, "destination", gcsURL)
	startedAt := time.Now()
	w := obj.If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	n, err := io.Copy(w, src)
	if err != nil {
		_ = w.Close()
		return errors.Wrapf(err, "uploading to %q", gcsURL)
	}
	if err := w.Close(); err != nil {
		return errors.Wrapf(err, "closing GCS writer for %q", gcsURL)
	}
	log.Info("uploaded artifact to GCS", "url", gcsURL, "bytes", n, "duration", time.Since(startedAt))
	return nil
}

// Download implements Reader.
func (s *GCSStore) Download(ctx context.Context, key, destPath string) error {
	log := klog.FromContext(ctx)

	gcsURL := s.url(key)
	client, err := storage.NewClient(ctx)
	if err != nil {
		return errors.Wrapf(err, "creating GCS storage client")
	}
	defer func() { _ = client.Close() }()

	log.Info("downloading artifact from GCS", "source", gcsURL, "destination", destPath)
	startedAt := time.Now()
	r, err := client.Bucket(s.Bucket).Object(s.objectName(key)).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return errors.Wrapf(os.ErrNotExist, "artifact %q", gcsURL)
		}
		return errors.Wrapf(err, "opening object from GCS %q", gcsURL)
	}
	defer func() { _ = r.Close() }()

	n, err := writeToFile(r, destPath)
	if err != nil {
		return errors.WithMessagef(err, "downloading from GCS")
	}
	log.Info("downloaded artifact from GCS", "source", gcsURL, "destination", destPath, "bytes", n,
		"duration", time.Since(startedAt))
	return nil
}

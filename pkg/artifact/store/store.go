// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package store publishes artifacts to, and fetches them from, artifact stores: a local directory
// ("file://"), a Google Cloud Storage bucket ("gs://") or a read-only HTTP server ("http://", "https://").
//
// Artifacts are content addressed: their key is the hex SHA-256 of their contents followed by the
// file extension (so the loader can still infer their kind), e.g. "3a7bd3e2...9f.so".
// Since keys identify the contents, uploads of existing keys are no-ops and fetched artifacts are
// cached forever.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gomlx/kerneldeploy/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Reader downloads artifacts from a store.
type Reader interface {
	// Download writes the artifact with the given key to destPath.
	// If no such artifact exists, it returns an error for which errors.Is(err, os.ErrNotExist) is true.
	Download(ctx context.Context, key, destPath string) error
}

// Store is a Reader that can also publish artifacts.
type Store interface {
	Reader

	// Upload copies the file at sourcePath to the store under key.
	// If an artifact with the same key already exists, Upload does nothing and returns no error.
	Upload(ctx context.Context, sourcePath, key string) error
}

var contentKeyRegexp = regexp.MustCompile(`^([0-9a-f]{64})(\.[A-Za-z0-9]+)?$`)

// ContentKey returns the key of the file at filePath: the hex SHA-256 of its contents plus its extension.
func ContentKey(filePath string) (string, error) {
	digest, err := fileDigest(filePath)
	if err != nil {
		return "", err
	}
	return digest + strings.ToLower(filepath.Ext(filePath)), nil
}

func fileDigest(filePath string) (string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return "", errors.Wrapf(err, "failed to hash file")
	}
	defer func() { _ = f.Close() }()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", errors.Wrapf(err, "failed to hash %q", filePath)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// IsContentKey returns whether key has the form of a content key, in which case Fetch verifies the digest
// of the downloaded file.
func IsContentKey(key string) bool {
	return contentKeyRegexp.MatchString(key)
}

// Open returns the Store for the given base URL: "file:///some/dir", "gs://bucket/optional/prefix".
// A plain path is taken as a local directory.
func Open(baseURL string) (Store, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid store URL %q", baseURL)
	}
	switch u.Scheme {
	case "", "file":
		dir, err := fsutil.ReplaceTildeInDir(u.Path)
		if err != nil {
			return nil, err
		}
		if dir == "" {
			return nil, errors.Errorf("store URL %q has no directory", baseURL)
		}
		return &LocalStore{Dir: dir}, nil
	case "gs":
		if u.Host == "" {
			return nil, errors.Errorf("store URL %q has no bucket", baseURL)
		}
		return &GCSStore{Bucket: u.Host, Prefix: strings.Trim(u.Path, "/")}, nil
	}
	return nil, errors.Errorf("store URL %q: scheme %q can't be written to, use file:// or gs://", baseURL, u.Scheme)
}

// OpenArtifact splits the URL of an artifact into the Reader of its store and its key, the last element
// of the path. E.g.: "gs://bucket/kernels/3a7b...9f.so" or "https://host/blobs/3a7b...9f.so".
func OpenArtifact(artifactURL string) (Reader, string, error) {
	u, err := url.Parse(artifactURL)
	if err != nil {
		return nil, "", errors.Wrapf(err, "invalid artifact URL %q", artifactURL)
	}
	dir, key := path.Split(u.Path)
	if key == "" {
		return nil, "", errors.Errorf("artifact URL %q has no key", artifactURL)
	}
	base := *u
	base.Path = dir
	switch u.Scheme {
	case "http", "https":
		base.RawPath = ""
		return &HTTPStore{BaseURL: &base}, key, nil
	}
	s, err := Open(base.String())
	if err != nil {
		return nil, "", err
	}
	return s, key, nil
}

// URL returns the URL of the artifact with the given key in the store at baseURL.
func URL(baseURL, key string) string {
	return strings.TrimSuffix(baseURL, "/") + "/" + key
}

// Publish uploads the file at filePath to the store at baseURL, under its content key.
// It returns the URL of the published artifact.
func Publish(ctx context.Context, baseURL, filePath string) (string, error) {
	s, err := Open(baseURL)
	if err != nil {
		return "", err
	}
	key, err := ContentKey(filePath)
	if err != nil {
		return "", err
	}
	if err := s.Upload(ctx, filePath, key); err != nil {
		return "", errors.WithMessagef(err, "publishing %q to %q", filePath, baseURL)
	}
	return URL(baseURL, key), nil
}

// Fetch makes the artifact at artifactURL available in cacheDir, and returns its local path.
//
// Local paths (without a scheme) are returned as is. Artifacts already in the cache are not downloaded again.
// If the key is a content key, the digest of the downloaded file is verified.
func Fetch(ctx context.Context, artifactURL, cacheDir string) (string, error) {
	log := klog.FromContext(ctx)
	if !strings.Contains(artifactURL, "://") {
		return artifactURL, nil
	}
	reader, key, err := OpenArtifact(artifactURL)
	if err != nil {
		return "", err
	}
	cacheDir, err = fsutil.ReplaceTildeInDir(cacheDir)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return "", errors.Wrapf(err, "failed to create cache directory %q", cacheDir)
	}
	destPath := filepath.Join(cacheDir, key)
	exists, err := fsutil.FileExists(destPath)
	if err != nil {
		return "", err
	}
	if exists && IsContentKey(key) {
		log.V(1).Info("artifact found in cache", "url", artifactURL, "path", destPath)
		return destPath, nil
	}
	if err := reader.Download(ctx, key, destPath); err != nil {
		return "", errors.WithMessagef(err, "fetching %q", artifactURL)
	}
	if matches := contentKeyRegexp.FindStringSubmatch(key); matches != nil {
		digest, err := fileDigest(destPath)
		if err != nil {
			return "", err
		}
		if digest != matches[1] {
			if err := os.Remove(destPath); err != nil {
				log.Error(err, "removing corrupted artifact", "path", destPath)
			}
			return "", errors.Errorf("fetching %q: downloaded contents have digest %s", artifactURL, digest)
		}
	}
	return destPath, nil
}

// writeToFile commits the contents of src to destinationPath durably, returning the number of bytes written.
func writeToFile(src io.Reader, destinationPath string) (int64, error) {
	var n int64
	err := fsutil.WriteFileAtomic(destinationPath, 0o644, func(w io.Writer) error {
		var err error
		n, err = io.Copy(w, src)
		return err
	})
	return n, err
}

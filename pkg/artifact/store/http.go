// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// HTTPStore is a read-only store serving artifacts from BaseURL/<key>.
type HTTPStore struct {
	BaseURL *url.URL

	// Client used for the requests. If nil, http.DefaultClient is used.
	Client *http.Client
}

var _ Reader = (*HTTPStore)(nil)

// Download implements Reader.
func (s *HTTPStore) Download(ctx context.Context, key, destPath string) error {
	log := klog.FromContext(ctx)
	artifactURL := s.BaseURL.JoinPath(key).String()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, artifactURL, nil)
	if err != nil {
		return errors.Wrapf(err, "creating request")
	}
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}

	log.Info("downloading artifact", "url", artifactURL)
	startedAt := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "requesting %q", artifactURL)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusNotFound {
			return errors.Wrapf(os.ErrNotExist, "artifact %q not found", artifactURL)
		}
		return errors.Errorf("unexpected status downloading %q: %v", artifactURL, resp.Status)
	}
	n, err := writeToFile(resp.Body, destPath)
	if err != nil {
		return errors.WithMessagef(err, "downloading %q", artifactURL)
	}
	log.Info("downloaded artifact", "url", artifactURL, "bytes", n, "duration", time.Since(startedAt))
	return nil
}

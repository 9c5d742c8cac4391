// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package artifact

import (
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/gomlx/kerneldeploy/pkg/support/fsutil"
	"github.com/pkg/errors"
)

// ManifestFile is the name of the manifest written next to the artifacts of a packaging run.
const ManifestFile = "manifest.toml"

// Manifest lists the artifacts written by a packaging run.
//
// Paths are stored relative to the directory of the manifest.
type Manifest struct {
	Artifacts []*Artifact `toml:"artifact"`
}

// Find returns the artifact exporting entryName, or nil if there is none.
func (m *Manifest) Find(entryName string) *Artifact {
	for _, a := range m.Artifacts {
		if a.EntryName == entryName {
			return a
		}
	}
	return nil
}

// WriteManifest writes the manifest durably to dir/ManifestFile.
func WriteManifest(dir string, artifacts []*Artifact) error {
	m := Manifest{Artifacts: make([]*Artifact, 0, len(artifacts))}
	for _, a := range artifacts {
		relative := *a
		if rel, err := filepath.Rel(dir, a.Path); err == nil {
			relative.Path = rel
		}
		m.Artifacts = append(m.Artifacts, &relative)
	}
	manifestPath := filepath.Join(dir, ManifestFile)
	err := fsutil.WriteFileAtomic(manifestPath, 0o644, func(w io.Writer) error {
		return toml.NewEncoder(w).Encode(&m)
	})
	if err != nil {
		return errors.Wrapf(ErrIO, "failed to write manifest: %v", err)
	}
	return nil
}

// ReadManifest reads dir/ManifestFile. Artifact paths are resolved against dir.
func ReadManifest(dir string) (*Manifest, error) {
	manifestPath := filepath.Join(dir, ManifestFile)
	if _, err := os.Stat(manifestPath); err != nil {
		return nil, errors.Wrapf(ErrIO, "failed to read manifest: %v", err)
	}
	var m Manifest
	if _, err := toml.DecodeFile(manifestPath, &m); err != nil {
		return nil, errors.Wrapf(err, "failed to parse manifest %q", manifestPath)
	}
	for _, a := range m.Artifacts {
		if !filepath.IsAbs(a.Path) {
			a.Path = filepath.Join(dir, a.Path)
		}
	}
	return &m, nil
}

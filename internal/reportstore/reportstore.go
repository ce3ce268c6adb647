// Copyright 2025 The Packamal Authors
// SPDX-License-Identifier: Apache-2.0

// Package reportstore materializes report documents under the media tree
// and derives their public download URLs.
package reportstore

import (
	"encoding/json"
	stderrors "errors"
	"io/fs"
	"net/url"
	"path"

	"github.com/go-git/go-billy/v5"
	"github.com/pakaremon/packamal/pkg/analysis/analysis"
	"github.com/pakaremon/packamal/pkg/analysis/schema"
	"github.com/pkg/errors"
)

// ErrReportNotFound is joined into lookup errors for absent report files.
var ErrReportNotFound = errors.New("report not found")

// FileStore stores report documents in a billy.Filesystem rooted at the
// media directory.
type FileStore struct {
	fs   billy.Filesystem
	base url.URL
}

// NewFileStore returns a store over fs whose URLs are rooted at base.
func NewFileStore(fs billy.Filesystem, base *url.URL) *FileStore {
	return &FileStore{fs: fs, base: *base}
}

// URL is the canonical download URL for the target's report. It depends
// only on the target, so callers may derive it before the report exists.
func (s *FileStore) URL(t analysis.Target) *url.URL {
	u := s.base
	u.Path = path.Join(u.Path, t.ReportPath())
	return &u
}

// Write lands the document at its canonical path via a temp file and
// rename, so re-analysis overwrites are atomic. It returns the metadata
// block surfaced through the API.
func (s *FileStore) Write(t analysis.Target, doc *schema.Report) (*schema.ReportMetadata, error) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "marshaling report")
	}
	dest := t.ReportPath()
	dir := path.Dir(dest)
	if err := s.fs.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "creating report dir %s", dir)
	}
	f, err := s.fs.TempFile(dir, ".report-")
	if err != nil {
		return nil, errors.Wrap(err, "creating temp report")
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		s.fs.Remove(tmp)
		return nil, errors.Wrapf(err, "writing report %s", dest)
	}
	if err := f.Close(); err != nil {
		s.fs.Remove(tmp)
		return nil, errors.Wrapf(err, "closing report %s", dest)
	}
	if err := s.fs.Rename(tmp, dest); err != nil {
		s.fs.Remove(tmp)
		return nil, errors.Wrapf(err, "landing report %s", dest)
	}
	return &schema.ReportMetadata{
		Filename:        path.Base(dest),
		SizeBytes:       int64(len(data)),
		CreatedAt:       doc.Metadata.CreatedAt,
		DownloadURL:     s.URL(t).String(),
		FolderStructure: t.ReportDir(),
	}, nil
}

// Stat returns the metadata of an existing report file.
func (s *FileStore) Stat(t analysis.Target) (*schema.ReportMetadata, error) {
	dest := t.ReportPath()
	fi, err := s.fs.Stat(dest)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			err = stderrors.Join(err, ErrReportNotFound)
		}
		return nil, errors.Wrapf(err, "stating report %s", dest)
	}
	return &schema.ReportMetadata{
		Filename:        path.Base(dest),
		SizeBytes:       fi.Size(),
		CreatedAt:       fi.ModTime(),
		DownloadURL:     s.URL(t).String(),
		FolderStructure: t.ReportDir(),
	}, nil
}

// Read loads a previously written report document.
func (s *FileStore) Read(t analysis.Target) (*schema.Report, error) {
	dest := t.ReportPath()
	f, err := s.fs.Open(dest)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			err = stderrors.Join(err, ErrReportNotFound)
		}
		return nil, errors.Wrapf(err, "opening report %s", dest)
	}
	defer f.Close()
	var doc schema.Report
	if err := json.NewDecoder(f).Decode(&doc); err != nil {
		return nil, errors.Wrapf(err, "decoding report %s", dest)
	}
	return &doc, nil
}

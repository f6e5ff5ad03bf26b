// Package corpusio implements spec.md §6's "On-disk layout (produced)":
// one raw-bytes file per testcase in the corpus and solutions directories,
// a structured JSON sidecar per entry, and a newline-delimited JSON log
// file. Logging uses log/slog with a JSON handler writing to the
// configured log file and, optionally, stdout -- the teacher's ambient
// logging choice throughout internal/* and cmd/*, mirroring cmd/root.go's
// gLogFile/syslog dual-sink setup (adapted here to a single dual-sink
// slog.Logger rather than a package-level syslog writer, since this
// module has no syslog dependency to carry over).
package corpusio

// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"snapfuzz/internal/model"
)

// Metadata is the sidecar recorded next to each persisted testcase.
type Metadata struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	ExitKind  string    `json:"exit_kind,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// Store persists testcases and solutions under CorpusDir/SolutionsDir,
// naming each file by the first 16 hex digits of the sha256 of its
// contents so identical inputs
// dedupe for free -- the same content-addressed naming idea the teacher's
// internal/report output writers use for deterministic output file names.
type Store struct {
	CorpusDir    string
	SolutionsDir string
}

// NewStore creates (if needed) the corpus and solutions directories.
func NewStore(corpusDir, solutionsDir string) (*Store, error) {
	for _, dir := range []string{corpusDir, solutionsDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "creating directory %q", dir)
		}
	}
	return &Store{CorpusDir: corpusDir, SolutionsDir: solutionsDir}, nil
}

func contentID(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16]
}

// SaveCorpusEntry writes bytes to the corpus directory, returning the
// content-addressed id it was stored under (a no-op if already present).
func (s *Store) SaveCorpusEntry(bytes []byte) (string, error) {
	return s.save(s.CorpusDir, bytes, Metadata{})
}

// SaveSolution writes bytes to the solutions directory with metadata
// recording the exit kind and solution sub-classification, per spec.md
// §6's "Solutions directory: same, plus metadata recording exit kind".
func (s *Store) SaveSolution(bytes []byte, kind model.ExitKind, sol model.SolutionKind) (string, error) {
	return s.save(s.SolutionsDir, bytes, Metadata{ExitKind: kind.String(), Reason: sol.String()})
}

func (s *Store) save(dir string, bytes []byte, meta Metadata) (string, error) {
	if dir == "" {
		return "", errors.New("no directory configured")
	}
	id := contentID(bytes)
	path := filepath.Join(dir, id)
	if _, err := os.Stat(path); err == nil {
		return id, nil // already present, dedup by content
	}
	if err := os.WriteFile(path, bytes, 0o644); err != nil {
		return "", errors.Wrapf(err, "writing testcase %q", path)
	}
	meta.ID = id
	meta.CreatedAt = time.Now()
	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "marshalling testcase metadata")
	}
	if err := os.WriteFile(path+".json", metaBytes, 0o644); err != nil {
		return "", errors.Wrapf(err, "writing testcase metadata %q", path+".json")
	}
	return id, nil
}

// LoadCorpus reads every raw testcase file (skipping .json sidecars) from
// the corpus directory. A missing directory yields an empty corpus, not
// an error -- the caller (internal/engine) is responsible for deciding
// whether an empty result after all seeding strategies is fatal.
func (s *Store) LoadCorpus() ([][]byte, error) {
	if s.CorpusDir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(s.CorpusDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "reading corpus directory %q", s.CorpusDir)
	}
	var out [][]byte
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) == ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.CorpusDir, e.Name()))
		if err != nil {
			return nil, errors.Wrapf(err, "reading corpus entry %q", e.Name())
		}
		out = append(out, data)
	}
	return out, nil
}

// NewLogger builds a structured logger per spec.md §6's "Log file:
// newline-delimited structured records of (timestamp, iteration, event,
// details)". Records are JSON lines; toStdout additionally mirrors them to
// stdout, the same dual-sink pattern cmd/root.go uses for its own log
// file/stdout split.
func NewLogger(logPath string, toStdout bool) (*slog.Logger, io.Closer, error) {
	var writers []io.Writer
	var closer io.Closer = nopCloser{}
	if logPath != "" {
		if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
			return nil, nil, errors.Wrapf(err, "creating log directory for %q", logPath)
		}
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "opening log file %q", logPath)
		}
		writers = append(writers, f)
		closer = f
	}
	if toStdout || len(writers) == 0 {
		writers = append(writers, os.Stdout)
	}
	handler := slog.NewJSONHandler(io.MultiWriter(writers...), &slog.HandlerOptions{})
	return slog.New(handler), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

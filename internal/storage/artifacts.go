// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/aihub/internal/clock"
	"github.com/jeranaias/aihub/internal/util"
)

// ArtifactKind separates generated code from generated images.
type ArtifactKind string

const (
	ArtifactCode  ArtifactKind = "code"
	ArtifactImage ArtifactKind = "images"
)

// Artifact is a file written by ArtifactStore.
type Artifact struct {
	Kind    ArtifactKind
	Path    string
	Size    int64
	ModTime time.Time
}

// ArtifactStore writes generated code snippets and images under BaseDir,
// one subdirectory per kind.
type ArtifactStore struct {
	BaseDir string
	clock   clock.Clock
}

// NewArtifactStore creates a store rooted at dir.
func NewArtifactStore(dir string, c clock.Clock) (*ArtifactStore, error) {
	for _, kind := range []ArtifactKind{ArtifactCode, ArtifactImage} {
		if err := os.MkdirAll(filepath.Join(dir, string(kind)), 0755); err != nil {
			return nil, fmt.Errorf("failed to create artifact directory: %w", err)
		}
	}
	return &ArtifactStore{BaseDir: dir, clock: clock.OrReal(c)}, nil
}

// SaveCode writes a code snippet and returns its path. The extension is
// derived from language.
func (s *ArtifactStore) SaveCode(language, code string) (string, error) {
	return s.write(ArtifactCode, extensionFor(language), []byte(code))
}

// SaveImage writes image data and returns its path. The extension is
// derived from contentType.
func (s *ArtifactStore) SaveImage(data []byte, contentType string) (string, error) {
	ext := ".img"
	if exts, _ := mime.ExtensionsByType(contentType); len(exts) > 0 {
		ext = exts[0]
	}
	switch contentType {
	case "image/jpeg":
		ext = ".jpg"
	case "image/png":
		ext = ".png"
	}
	return s.write(ArtifactImage, ext, data)
}

func (s *ArtifactStore) write(kind ArtifactKind, ext string, data []byte) (string, error) {
	name := s.clock.Now().UTC().Format("20060102-150405") + "-" + uuid.NewString()[:8] + ext
	path := filepath.Join(s.BaseDir, string(kind), name)
	if err := util.AtomicWriteFile(path, data, 0644); err != nil {
		return "", err
	}
	return path, nil
}

// List returns the artifacts of kind, newest first.
func (s *ArtifactStore) List(kind ArtifactKind) ([]Artifact, error) {
	dir := filepath.Join(s.BaseDir, string(kind))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []Artifact
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Artifact{
			Kind:    kind,
			Path:    filepath.Join(dir, e.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	// Names start with a UTC timestamp, so name order is creation order.
	sort.Slice(out, func(i, j int) bool {
		return filepath.Base(out[i].Path) > filepath.Base(out[j].Path)
	})
	return out, nil
}

var languageExtensions = map[string]string{
	"go":         ".go",
	"golang":     ".go",
	"python":     ".py",
	"py":         ".py",
	"javascript": ".js",
	"js":         ".js",
	"typescript": ".ts",
	"ts":         ".ts",
	"rust":       ".rs",
	"java":       ".java",
	"c":          ".c",
	"cpp":        ".cpp",
	"c++":        ".cpp",
	"csharp":     ".cs",
	"ruby":       ".rb",
	"php":        ".php",
	"shell":      ".sh",
	"bash":       ".sh",
	"sh":         ".sh",
	"sql":        ".sql",
	"html":       ".html",
	"css":        ".css",
	"json":       ".json",
	"yaml":       ".yaml",
	"toml":       ".toml",
	"markdown":   ".md",
}

func extensionFor(language string) string {
	if ext, ok := languageExtensions[strings.ToLower(strings.TrimSpace(language))]; ok {
		return ext
	}
	return ".txt"
}

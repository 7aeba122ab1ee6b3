package ghost

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ErrNotFound is returned when no recording matches an identifier.
var ErrNotFound = errors.New("ghost recording not found")

// Store keeps ghost recordings on disk under a date-partitioned root.
type Store struct {
	rootDir string
}

// Entry describes one recording file found under the root.
type Entry struct {
	Date    string
	Name    string
	RelPath string
	Path    string
	Size    int64
}

// NewStore creates a store rooted at rootDir.
func NewStore(rootDir string) (*Store, error) {
	rootDir = strings.TrimSpace(rootDir)
	if rootDir == "" {
		return nil, fmt.Errorf("ghosts root directory is required")
	}
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("create ghosts directory: %w", err)
	}
	slog.Debug("ghost store initialized", "dir", rootDir)
	return &Store{rootDir: rootDir}, nil
}

// Root returns the ghosts root directory.
func (s *Store) Root() string { return s.rootDir }

// Encode renders a recording as indented JSON with a trailing newline.
func Encode(rec Recording) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rec); err != nil {
		return nil, fmt.Errorf("encode ghost recording: %w", err)
	}
	return buf.Bytes(), nil
}

// Write stores data at relPath. The file is written to a temp name and
// renamed into place so readers never observe a partial recording.
func (s *Store) Write(ctx context.Context, relPath string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	finalPath := filepath.Join(s.rootDir, filepath.FromSlash(relPath))
	dir := filepath.Dir(finalPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create ghost date directory: %w", err)
	}

	tempFile, err := os.CreateTemp(dir, ".ghost-write-*")
	if err != nil {
		return "", fmt.Errorf("create temp ghost file: %w", err)
	}
	tempPath := tempFile.Name()

	_, writeErr := tempFile.Write(data)
	closeErr := tempFile.Close()
	if writeErr != nil {
		_ = os.Remove(tempPath)
		return "", fmt.Errorf("write ghost bytes: %w", writeErr)
	}
	if closeErr != nil {
		_ = os.Remove(tempPath)
		return "", fmt.Errorf("close ghost file: %w", closeErr)
	}
	if err := os.Rename(tempPath, finalPath); err != nil {
		_ = os.Remove(tempPath)
		return "", fmt.Errorf("move ghost into place: %w", err)
	}

	slog.Debug("ghost file written", "path", finalPath, "size", len(data))
	return finalPath, nil
}

// List returns every recording under the root ordered by date then name.
// A missing root yields an empty list.
func (s *Store) List() ([]Entry, error) {
	days, err := os.ReadDir(s.rootDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read ghosts directory: %w", err)
	}

	var out []Entry
	for _, day := range days {
		if !day.IsDir() {
			continue
		}
		folder := filepath.Join(s.rootDir, day.Name())
		files, err := os.ReadDir(folder)
		if err != nil {
			return nil, fmt.Errorf("read ghost date directory: %w", err)
		}
		for _, f := range files {
			if f.IsDir() || strings.HasPrefix(f.Name(), ".") {
				continue
			}
			info, err := f.Info()
			if err != nil {
				continue
			}
			out = append(out, Entry{
				Date:    day.Name(),
				Name:    f.Name(),
				RelPath: day.Name() + "/" + f.Name(),
				Path:    filepath.Join(folder, f.Name()),
				Size:    info.Size(),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// Load resolves identifier as an absolute path, a path relative to the root,
// or finally as a substring of any stored recording path.
func (s *Store) Load(identifier string) (Recording, string, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return Recording{}, "", fmt.Errorf("ghost identifier is required")
	}

	candidate := identifier
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(s.rootDir, filepath.FromSlash(identifier))
	}
	if rec, err := readRecording(candidate); err == nil {
		return rec, candidate, nil
	}

	entries, err := s.List()
	if err != nil {
		return Recording{}, "", err
	}
	for _, e := range entries {
		if strings.Contains(e.Path, identifier) {
			rec, err := readRecording(e.Path)
			if err != nil {
				return Recording{}, "", err
			}
			return rec, e.Path, nil
		}
	}
	return Recording{}, "", fmt.Errorf("%w: %s", ErrNotFound, identifier)
}

// Get returns the recording for room on date (YYYY-MM-DD). The room id is
// sanitized the same way as on write, so it cannot escape the root.
func (s *Store) Get(date, room string) (Recording, error) {
	if _, err := time.Parse(time.DateOnly, date); err != nil {
		return Recording{}, fmt.Errorf("invalid ghost date %q: %w", date, err)
	}
	rec, err := readRecording(filepath.Join(s.rootDir, date, FileName(room)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Recording{}, fmt.Errorf("%w: %s/%s", ErrNotFound, date, room)
		}
		return Recording{}, err
	}
	return rec, nil
}

func readRecording(path string) (Recording, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Recording{}, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var rec Recording
	if err := dec.Decode(&rec); err != nil {
		return Recording{}, fmt.Errorf("decode ghost recording %s: %w", path, err)
	}
	return rec, nil
}

package imagestore

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Categories under which captured frames are filed.
const (
	CategoryEntry     = "entry"
	CategoryExit      = "exit"
	CategoryBlacklist = "blacklist"
)

// Store keeps captured plate images on local disk until they are
// uploaded, filed by category with random names so concurrent captures
// never collide.
type Store struct {
	root string
	log  zerolog.Logger
}

// New creates the image store rooted at dir, creating the category
// directories as needed.
func New(dir string, logger zerolog.Logger) (*Store, error) {
	for _, cat := range []string{CategoryEntry, CategoryExit, CategoryBlacklist} {
		if err := os.MkdirAll(filepath.Join(dir, cat), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create image directory: %w", err)
		}
	}
	return &Store{
		root: dir,
		log:  logger.With().Str("component", "imagestore").Logger(),
	}, nil
}

// Save writes one captured frame and returns its absolute path.
func (s *Store) Save(category string, data []byte) (string, error) {
	name := uuid.NewString() + ".png"
	path := filepath.Join(s.root, category, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to save image: %w", err)
	}
	return path, nil
}

// Remove deletes an uploaded image. A missing file is not an error.
func (s *Store) Remove(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Cleanup deletes images older than the retention window and returns
// how many were removed.
func (s *Store) Cleanup(retentionDays int) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	removed := 0

	err := filepath.Walk(s.root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err != nil {
				s.log.Warn().Str("path", path).Err(err).Msg("could not remove expired image")
				return nil
			}
			removed++
		}
		return nil
	})
	if removed > 0 {
		s.log.Info().Int("removed", removed).Msg("expired images cleaned up")
	}
	return removed, err
}

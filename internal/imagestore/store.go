// Package imagestore archives downloaded images on disk, partitioned by
// date, with optional format conversion.
package imagestore

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/lumabridge/lumabridge/internal/config"
)

// historyLimit bounds the duplicate-URL history.
const historyLimit = 5000

// Store writes images under <dir>/YYYYMMDD/ and suppresses duplicate URLs.
type Store struct {
	dir    string
	format config.LocalSaveFormat

	mu      sync.Mutex
	seen    map[string]struct{}
	history []string
}

// New builds a store rooted at dir.
func New(dir string, format config.LocalSaveFormat) *Store {
	return &Store{
		dir:    dir,
		format: format,
		seen:   map[string]struct{}{},
	}
}

// Save archives the already-downloaded image bytes. URLs that were saved
// before are skipped.
func (s *Store) Save(data []byte, url, requestID string) error {
	s.mu.Lock()
	if _, dup := s.seen[url]; dup {
		s.mu.Unlock()
		return nil
	}
	s.seen[url] = struct{}{}
	s.history = append(s.history, url)
	if len(s.history) > historyLimit {
		drop := s.history[0]
		s.history = s.history[1:]
		delete(s.seen, drop)
	}
	s.mu.Unlock()

	converted, ext := s.convert(data, url)

	dateDir := filepath.Join(s.dir, time.Now().Format("20060102"))
	if err := os.MkdirAll(dateDir, 0o755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}

	now := time.Now()
	name := fmt.Sprintf("%s_%03d_%s.%s", now.Format("20060102_150405"), now.Nanosecond()/1e6, shortID(requestID), ext)
	path := filepath.Join(dateDir, name)
	if err := os.WriteFile(path, converted, 0o644); err != nil {
		return fmt.Errorf("write image: %w", err)
	}
	log.Printf("imagestore: saved %s (%.1fKB)", name, float64(len(converted))/1024)
	return nil
}

// convert re-encodes the image when local_save_format asks for it. Formats
// the standard library cannot encode fall back to the original bytes.
func (s *Store) convert(data []byte, url string) ([]byte, string) {
	ext := extFromURL(url)
	if !s.format.Enabled {
		return data, ext
	}
	target := strings.ToLower(s.format.Format)
	if target == "" || target == "original" {
		return data, ext
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		log.Printf("[WARN] imagestore: cannot decode for conversion: %v", err)
		return data, ext
	}

	var out bytes.Buffer
	switch target {
	case "png":
		if err := png.Encode(&out, img); err != nil {
			return data, ext
		}
		return out.Bytes(), "png"
	case "jpeg", "jpg":
		if err := jpeg.Encode(&out, img, &jpeg.Options{Quality: 100}); err != nil {
			return data, ext
		}
		return out.Bytes(), "jpg"
	default:
		return data, ext
	}
}

func extFromURL(url string) string {
	lower := strings.ToLower(strings.Split(url, "?")[0])
	for _, ext := range []string{"jpeg", "jpg", "png", "gif", "webp"} {
		if strings.HasSuffix(lower, "."+ext) {
			return ext
		}
	}
	return "png"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

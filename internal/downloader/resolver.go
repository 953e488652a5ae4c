package downloader

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"mime"
	"path"
	"strings"

	"github.com/lumabridge/lumabridge/internal/config"
	"github.com/lumabridge/lumabridge/internal/imagestore"
)

// Resolver turns upstream image URLs into the markdown spliced into the
// response stream, honoring image_return_format and save_images_locally.
type Resolver struct {
	cfg     *config.Config
	pool    *Pool
	caches  *Caches
	archive *imagestore.Store
}

// NewResolver wires the resolver. archive may be nil when local saving is
// disabled.
func NewResolver(cfg *config.Config, pool *Pool, caches *Caches, archive *imagestore.Store) *Resolver {
	return &Resolver{cfg: cfg, pool: pool, caches: caches, archive: archive}
}

// ResolveImage implements the stream processor's image hook. URL mode
// returns immediately and archives in the background; base64 mode fetches,
// converts, and caches, degrading to the raw URL on download failure.
func (r *Resolver) ResolveImage(ctx context.Context, requestID, url string) string {
	if r.cfg.ImageReturnFormat.Mode == "url" {
		if r.cfg.SaveImagesLocally && r.archive != nil {
			go r.fetchAndArchive(url, requestID)
		}
		return fmt.Sprintf("![Image](%s)", url)
	}

	if cached, ok := r.caches.Base64(url); ok {
		return cached
	}

	data, err := r.pool.Fetch(ctx, url)
	if err != nil {
		log.Printf("[ERROR] downloader: fetch failed, degrading to raw url: %v", err)
		return fmt.Sprintf("![Image](%s)", url)
	}
	if r.cfg.SaveImagesLocally && r.archive != nil {
		go func() {
			if err := r.archive.Save(data, url, requestID); err != nil {
				log.Printf("[ERROR] imagestore: %v", err)
			}
		}()
	}

	contentType := mime.TypeByExtension(path.Ext(strings.Split(url, "?")[0]))
	if contentType == "" {
		contentType = "image/png"
	}
	markdown := fmt.Sprintf("![Image](data:%s;base64,%s)", contentType, base64.StdEncoding.EncodeToString(data))
	r.caches.PutBase64(url, markdown)
	return markdown
}

func (r *Resolver) fetchAndArchive(url, requestID string) {
	data, err := r.pool.Fetch(context.Background(), url)
	if err != nil {
		log.Printf("[ERROR] downloader: background fetch failed: %v", err)
		return
	}
	if err := r.archive.Save(data, url, requestID); err != nil {
		log.Printf("[ERROR] imagestore: %v", err)
	}
}

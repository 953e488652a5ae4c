package downloader

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Caches bundles the two expirable LRU caches of the download path: the
// per-URL base64 cache (avoids refetching and re-encoding the same image)
// and the content-hash cache of file-bed uploads (avoids re-uploading an
// identical image).
type Caches struct {
	base64Cache *expirable.LRU[string, string]
	uploadCache *expirable.LRU[string, string]
}

const (
	uploadCacheSize = 500
	uploadCacheTTL  = 5 * time.Minute
)

// NewCaches sizes the caches from memory_management settings.
func NewCaches(imageCacheSize int, imageCacheTTL time.Duration) *Caches {
	if imageCacheSize <= 0 {
		imageCacheSize = 1000
	}
	if imageCacheTTL <= 0 {
		imageCacheTTL = time.Hour
	}
	return &Caches{
		base64Cache: expirable.NewLRU[string, string](imageCacheSize, nil, imageCacheTTL),
		uploadCache: expirable.NewLRU[string, string](uploadCacheSize, nil, uploadCacheTTL),
	}
}

// Base64 returns the cached markdown data URI for url.
func (c *Caches) Base64(url string) (string, bool) {
	return c.base64Cache.Get(url)
}

// PutBase64 stores the markdown data URI for url.
func (c *Caches) PutBase64(url, markdown string) {
	c.base64Cache.Add(url, markdown)
}

// UploadedURL returns the file-bed URL previously minted for this content.
func (c *Caches) UploadedURL(hash string) (string, bool) {
	return c.uploadCache.Get(hash)
}

// PutUploadedURL records the file-bed URL for this content hash.
func (c *Caches) PutUploadedURL(hash, url string) {
	c.uploadCache.Add(hash, url)
}

// Sizes reports the live entry counts for the janitor's cache log line.
func (c *Caches) Sizes() (base64Entries, uploadEntries int) {
	return c.base64Cache.Len(), c.uploadCache.Len()
}

// HashContent keys upload caching by the SHA-256 of the base64 body, with
// any data-URI prefix removed so identical bytes hash identically.
func HashContent(dataURI string) string {
	body := dataURI
	if _, after, ok := strings.Cut(dataURI, ","); ok {
		body = after
	}
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])
}

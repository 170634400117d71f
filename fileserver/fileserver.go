// Package fileserver talks to the document fileserver: public download
// links for indexed documents, uploads for generated artifacts.
package fileserver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Client addresses the fileserver by its internal base URL and builds
// browser-facing links from the public one.
type Client struct {
	base   string
	public string
	http   *resty.Client
}

func New(baseURL, publicURL string) *Client {
	base := strings.TrimRight(baseURL, "/")
	public := strings.TrimRight(publicURL, "/")
	if public == "" {
		public = base
	}
	return &Client{
		base:   base,
		public: public,
		http:   resty.New().SetTimeout(30 * time.Second),
	}
}

// InternalBase is the service-side base URL, which must never appear in
// client-visible output.
func (c *Client) InternalBase() string { return c.base }

// PublicBase is the browser-facing base URL.
func (c *Client) PublicBase() string { return c.public }

type uploadResponse struct {
	HashCode    string `json:"hash_code"`
	DownloadURL string `json:"download_url"`
	SavedAs     string `json:"saved_as"`
}

// Upload stores an artifact under a content hash and returns its public
// download URL.
func (c *Client) Upload(ctx context.Context, filename, extension string, content []byte) (string, error) {
	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])[:16]

	var parsed uploadResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetFileReader("file", filename, strings.NewReader(string(content))).
		SetFormData(map[string]string{
			"custom_hash": hash,
			"extension":   extension,
		}).
		SetResult(&parsed).
		Post(c.base + "/upload")
	if err != nil {
		return "", fmt.Errorf("upload to fileserver: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("upload to fileserver: status %s: %s", resp.Status(), resp.String())
	}
	if parsed.DownloadURL == "" {
		return "", fmt.Errorf("upload to fileserver: empty download url in response")
	}

	return c.public + parsed.DownloadURL, nil
}

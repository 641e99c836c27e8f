package kbase

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// Shock downloads blobs from a Shock server.
type Shock struct {
	url        string
	token      string
	httpClient *http.Client
}

// NewShock creates a Shock client. token may be empty for public nodes.
func NewShock(shockURL, token string) *Shock {
	return &Shock{
		url:        strings.TrimRight(shockURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Minute},
	}
}

// Download writes the raw content of node to dest.
func (s *Shock) Download(ctx context.Context, node, dest string) error {
	u := s.url + "/node/" + url.PathEscape(node) + "?download_raw"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	if s.token != "" {
		req.Header.Set("Authorization", "OAuth "+s.token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download shock node %s: %w", node, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("failed to download shock node %s: HTTP %d: %s", node, resp.StatusCode, body)
	}

	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", dest, err)
	}
	return f.Close()
}

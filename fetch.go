package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// ImageFetcher resolves a record's image reference into raw bytes. Only
// invoked from the best-effort image step, never from the lookup path.
type ImageFetcher func(ref string) ([]byte, error)

var imageClient = &http.Client{Timeout: 10 * time.Second}

// fetchImage reads an image from a local path or an http(s) URL.
func fetchImage(ref string) ([]byte, error) {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		resp, err := imageClient.Get(ref)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("image fetch %v: status %v", ref, resp.Status)
		}
		return io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	}
	return os.ReadFile(ref)
}

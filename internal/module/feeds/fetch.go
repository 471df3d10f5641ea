// Package feeds holds the HTTP list feeds. Each one downloads a plain text or
// CSV list, turns every usable line into an indicator and upserts the batch
// into the tenant's feed data store.
package feeds

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/linnemanlabs/sentinelvision/internal/module"
)

const (
	userAgent = "SentinelVision/1.0"

	// maxLineBytes bounds a single list line; longer lines are a broken feed.
	maxLineBytes = 64 * 1024
)

// DefaultHTTPClient is shared by feeds that are not given their own client.
var DefaultHTTPClient = &http.Client{Timeout: 60 * time.Second}

// fetchLines GETs url and returns its body split into lines.
func fetchLines(ctx context.Context, client *http.Client, url string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/csv,text/plain")

	resp, err := client.Do(req)
	if err != nil {
		return nil, module.Transient(fmt.Errorf("fetch %s: %w", url, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &module.HTTPStatusError{URL: url, Code: resp.StatusCode, Body: string(body)}
	}

	var lines []string
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, module.Transient(fmt.Errorf("read %s: %w", url, err))
	}
	return lines, nil
}

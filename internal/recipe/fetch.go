package recipe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/viant/afs"
)

// maxRecipeSize is the largest recipe accepted; larger ones are refused
// rather than cut short.
const maxRecipeSize = 1 << 20

// Fetcher loads recipe text from http(s) URLs or, for any other location,
// through afs.
type Fetcher struct {
	httpClient *http.Client
	fs         afs.Service
}

func NewFetcher(httpClient *http.Client, fs afs.Service) *Fetcher {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if fs == nil {
		fs = afs.New()
	}
	return &Fetcher{httpClient: httpClient, fs: fs}
}

func (f *Fetcher) Fetch(ctx context.Context, location string) (string, error) {
	location = strings.TrimSpace(location)
	if location == "" {
		return "", fmt.Errorf("%w: empty location", ErrFetch)
	}

	u, err := url.Parse(location)
	if err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		return f.fetchHTTP(ctx, location)
	}

	data, err := f.fs.DownloadWithURL(ctx, location)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrFetch, location, err)
	}
	if len(data) > maxRecipeSize {
		return "", tooLarge(location)
	}
	return string(data), nil
}

func (f *Fetcher) fetchHTTP(ctx context.Context, location string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFetch, err)
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrFetch, location, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRecipeSize+1))
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrFetch, location, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: %s returned status %d", ErrFetch, location, resp.StatusCode)
	}
	if len(body) > maxRecipeSize {
		return "", tooLarge(location)
	}
	return string(body), nil
}

func tooLarge(location string) error {
	return fmt.Errorf("%w: %s is larger than %d bytes", ErrFetch, location, maxRecipeSize)
}

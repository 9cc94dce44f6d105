package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/thesavant42/pumsfetch/internal/apperr"
	"github.com/thesavant42/pumsfetch/internal/models"
	"golang.org/x/net/publicsuffix"
)

const (
	defaultTimeout = 10 * time.Minute // state files run to hundreds of MB
	userAgent      = "pumsfetch/1.0"
)

// CensusClient downloads files from the Census Bureau's survey file server
type CensusClient struct {
	httpClient *http.Client
	logger     *log.Logger
}

// NewCensusClient creates a client; a zero timeout selects the default
func NewCensusClient(timeout time.Duration, logger *log.Logger) *CensusClient {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &CensusClient{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

func (c *CensusClient) get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, apperr.Newf(apperr.ErrValidation, "invalid URL %q: %v", rawURL, err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/zip, */*")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Transport(err, "GET %s", rawURL)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, apperr.Newf(apperr.ErrTransport, "GET %s returned status %d: %s", rawURL, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return resp, nil
}

// Stream opens rawURL and returns its body unread. The caller closes Body.
// ContentLength is -1 when the server sends no length header.
func (c *CensusClient) Stream(ctx context.Context, rawURL string) (*models.RemoteFile, error) {
	resp, err := c.get(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("response headers received", "url", rawURL, "contentLength", resp.ContentLength)

	return &models.RemoteFile{
		Body:          resp.Body,
		ContentLength: resp.ContentLength,
	}, nil
}

// FetchBytes downloads rawURL fully into memory
func (c *CensusClient) FetchBytes(ctx context.Context, rawURL string) ([]byte, error) {
	resp, err := c.get(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.Transport(err, "reading %s", rawURL)
	}

	c.logger.Debug("fetched into memory", "url", rawURL, "bytes", len(body))
	return body, nil
}

// RegistrableDomain returns the eTLD+1 of a URL's host, e.g.
// "https://www2.census.gov/programs-surveys/" -> "census.gov"
func RegistrableDomain(rawURL string) (string, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return "", fmt.Errorf("empty URL")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	host := strings.TrimSuffix(parsed.Hostname(), ".")
	if host == "" {
		return "", fmt.Errorf("URL %q has no host", rawURL)
	}

	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return "", fmt.Errorf("failed to extract registrable domain: %w", err)
	}
	return domain, nil
}

// IsCensusHost reports whether rawURL points at the Census Bureau
func IsCensusHost(rawURL string) bool {
	domain, err := RegistrableDomain(rawURL)
	return err == nil && domain == "census.gov"
}

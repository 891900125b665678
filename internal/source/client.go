package source

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"pve-pulse/internal/config"
)

const maxBodyBytes = 32 << 20

var (
	ErrStatus = errors.New("unexpected http status")
	ErrDecode = errors.New("invalid json body")
)

// FetchError is a transient failure of one upstream call. Callers treat it as
// "no data this cycle" for the entity being fetched.
type FetchError struct {
	Cluster    string
	Path       string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s %s: status %d: %v", e.Cluster, e.Path, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s %s: %v", e.Cluster, e.Path, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Kind classifies the failure for logs and metrics.
func (e *FetchError) Kind() string {
	switch {
	case IsTimeout(e):
		return "timeout"
	case errors.Is(e.Err, ErrStatus):
		return "status"
	case errors.Is(e.Err, ErrDecode):
		return "decode"
	default:
		return "network"
	}
}

func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Client performs authenticated GETs against cluster APIs.
type Client struct {
	http    *http.Client
	logger  *slog.Logger
	timeout time.Duration
}

func NewClient(tlsCfg *tls.Config, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsCfg
	transport.MaxIdleConnsPerHost = 16
	return &Client{
		http:    &http.Client{Transport: transport},
		logger:  logger,
		timeout: timeout,
	}
}

// Fetch GETs {endpoint}{path} and returns the top-level "data" member of the
// JSON body. A body without "data" yields a non-existent result, not an error.
func (c *Client) Fetch(ctx context.Context, ep config.ClusterEndpoint, path string) (gjson.Result, error) {
	fail := func(status int, err error) (gjson.Result, error) {
		return gjson.Result{}, &FetchError{Cluster: ep.Name, Path: path, StatusCode: status, Err: err}
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, ep.Endpoint+path, nil)
	if err != nil {
		return fail(0, err)
	}
	req.Header.Set("Authorization", ep.Token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fail(0, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fail(resp.StatusCode, fmt.Errorf("read body: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fail(resp.StatusCode, ErrStatus)
	}
	if !gjson.ValidBytes(body) {
		return fail(resp.StatusCode, ErrDecode)
	}

	c.logger.Debug("upstream fetch ok", "cluster", ep.Name, "path", path, "bytes", len(body))
	return gjson.GetBytes(body, "data"), nil
}

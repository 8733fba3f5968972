package transport

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"resty.dev/v3"

	"github.com/mcowger/llms/internal/models"
	"github.com/mcowger/llms/internal/transformer"
)

const defaultTimeout = 30 * time.Minute

// Options configures the outbound client.
type Options struct {
	// ProxyURL routes every outbound request through a forward proxy.
	ProxyURL string
	// Timeout bounds one outbound exchange, streaming included. Long
	// reasoning and batch calls need generous room; defaults to 30m.
	Timeout time.Duration
}

// Upstream is the provider's answer: either a complete body or an open
// event stream. Exactly one of Body and Stream is set on success.
type Upstream struct {
	Status int
	Header http.Header
	Body   []byte
	Stream io.ReadCloser
}

// IsStream reports whether the upstream answered with an event stream.
func (u *Upstream) IsStream() bool {
	return u.Stream != nil
}

// Client sends fully built outbound requests to providers. It owns the
// socket/proxy plumbing so the pipeline never touches it.
type Client struct {
	rc      *resty.Client
	log     zerolog.Logger
	timeout time.Duration
}

// New constructs the outbound client.
func New(opts Options, log zerolog.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	rc := resty.New()
	if opts.ProxyURL != "" {
		rc.SetProxy(opts.ProxyURL)
	}

	return &Client{
		rc:      rc,
		log:     log,
		timeout: timeout,
	}
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rc.Close()
}

// Timeout returns the configured per-request bound.
func (c *Client) Timeout() time.Duration {
	return c.timeout
}

// Send performs the outbound exchange described by the envelope against the
// provider base URL. Streaming envelopes leave the body unparsed and hand
// back an open reader; the caller owns closing it. Cancelling ctx aborts the
// exchange and closes the provider connection.
func (c *Client) Send(ctx context.Context, env *transformer.Envelope, baseURL string) (*Upstream, error) {
	url := joinURL(baseURL, env.Path)

	req := c.rc.R().
		SetContext(ctx).
		SetDoNotParseResponse(true)

	for key, values := range env.Header {
		for _, value := range values {
			req.SetHeader(key, value)
		}
	}
	if req.Header.Get("Content-Type") == "" {
		req.SetHeader("Content-Type", "application/json")
	}
	if env.Stream {
		req.SetHeader("Accept", "text/event-stream")
		req.SetHeader("Accept-Encoding", "identity")
	}
	if len(env.Body) > 0 {
		req.SetBody(env.Body)
	}

	method := env.Method
	if method == "" {
		method = http.MethodPost
	}

	started := time.Now()
	resp, err := req.Execute(method, url)
	if err != nil {
		if ctx.Err() != nil {
			return nil, models.NewErrorf(models.ErrTimeout, "outbound request to %s aborted: %v", url, ctx.Err())
		}
		return nil, models.NewErrorf(models.ErrProviderResponse, "outbound request to %s failed: %v", url, err)
	}

	c.log.Debug().
		Str("method", method).
		Str("url", url).
		Int("status", resp.StatusCode()).
		Dur("latency", time.Since(started)).
		Bool("stream", env.Stream).
		Msg("outbound request")

	body := resp.Body
	if resp.StatusCode() >= http.StatusBadRequest {
		detail, _ := io.ReadAll(io.LimitReader(body, 64*1024))
		body.Close()
		return nil, models.UpstreamError(resp.StatusCode(), strings.TrimSpace(string(detail)))
	}

	if env.Stream && strings.HasPrefix(resp.Header().Get("Content-Type"), "text/event-stream") {
		return &Upstream{
			Status: resp.StatusCode(),
			Header: resp.Header(),
			Stream: body,
		}, nil
	}

	payload, err := io.ReadAll(body)
	body.Close()
	if err != nil {
		return nil, models.NewErrorf(models.ErrProviderResponse, "read upstream body: %v", err)
	}

	return &Upstream{
		Status: resp.StatusCode(),
		Header: resp.Header(),
		Body:   payload,
	}, nil
}

func joinURL(base, path string) string {
	base = strings.TrimRight(base, "/")
	if path == "" {
		return base
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}

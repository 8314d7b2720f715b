// Package ban is a client for the Base Adresse Nationale CSV geocoding
// endpoint: chunk CSV encoding, multipart submission with the required
// retry schedule, and typed decoding of the response rows.
package ban

import (
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/zero-logement-vacant/zlv-address/internal/resilience"
)

// DefaultBaseURL is the public BAN CSV geocoding endpoint.
const DefaultBaseURL = "https://api-adresse.data.gouv.fr/search/csv/"

// DefaultChunkSize is the number of rows per submitted chunk.
const DefaultChunkSize = 1000

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithBaseURL points the client at another endpoint (mirror, test server).
func WithBaseURL(u string) Option {
	return func(c *Client) {
		c.baseURL = u
	}
}

// WithRateLimit sets the requests-per-second admission rate.
func WithRateLimit(rps float64) Option {
	return func(c *Client) {
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithLimiter sets the admission limiter directly.
func WithLimiter(l *rate.Limiter) Option {
	return func(c *Client) {
		c.limiter = l
	}
}

// WithRetryConfig replaces the retry schedule.
func WithRetryConfig(cfg resilience.RetryConfig) Option {
	return func(c *Client) {
		c.retry = cfg
	}
}

// WithHeader adds a header to every request. Hosts use it to inject
// credentials for gateways in front of BAN.
func WithHeader(key, value string) Option {
	return func(c *Client) {
		c.headers.Set(key, value)
	}
}

// Client submits CSV chunks to BAN. It never touches disk.
type Client struct {
	httpClient *http.Client
	baseURL    string
	limiter    *rate.Limiter
	retry      resilience.RetryConfig
	headers    http.Header
}

// NewClient creates a BAN client with the given options.
func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		baseURL:    DefaultBaseURL,
		limiter:    rate.NewLimiter(50, 50), // BAN allows 50 req/s per IP
		retry:      resilience.BANRetryConfig(),
		headers:    make(http.Header),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.retry.OnRetry == nil {
		c.retry.OnRetry = resilience.RetryLogger("ban", "submit")
	}
	return c
}

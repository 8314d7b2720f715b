package batch

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/zero-logement-vacant/zlv-address/internal/resilience"
)

// Page is one page of a cursor-paginated JSON API.
type Page struct {
	Results []json.RawMessage `json:"results"`
	Next    *string           `json:"next"`
	Count   int               `json:"count"`
}

// Pager walks a cursor-paginated API, following "next" opaquely.
type Pager struct {
	client  *resty.Client
	retry   resilience.RetryConfig
	limiter *rate.Limiter
	log     *zap.Logger
}

// PagerOption configures a Pager.
type PagerOption func(*Pager)

// WithPagerHTTPClient sets the underlying HTTP client.
func WithPagerHTTPClient(hc *http.Client) PagerOption {
	return func(p *Pager) {
		p.client = resty.NewWithClient(hc)
	}
}

// WithBearerToken authenticates every request with token.
func WithBearerToken(token string) PagerOption {
	return func(p *Pager) {
		if token != "" {
			p.client.SetAuthToken(token)
		}
	}
}

// WithPagerTimeout sets the per-request timeout.
func WithPagerTimeout(d time.Duration) PagerOption {
	return func(p *Pager) {
		p.client.SetTimeout(d)
	}
}

// WithPagerRetry replaces the retry schedule.
func WithPagerRetry(cfg resilience.RetryConfig) PagerOption {
	return func(p *Pager) {
		p.retry = cfg
	}
}

// WithPagerLimiter throttles page requests.
func WithPagerLimiter(l *rate.Limiter) PagerOption {
	return func(p *Pager) {
		p.limiter = l
	}
}

// NewPager creates a Pager. Options apply in order, so
// WithPagerHTTPClient must come before options that configure the client.
func NewPager(opts ...PagerOption) *Pager {
	p := &Pager{
		client:  resty.New().SetTimeout(60 * time.Second),
		retry:   resilience.BANRetryConfig(),
		limiter: rate.NewLimiter(rate.Limit(5), 1),
		log:     zap.L().With(zap.String("component", "pager")),
	}
	for _, fn := range opts {
		fn(p)
	}
	p.client.SetHeader("Accept", "application/json")
	if p.retry.OnRetry == nil {
		p.retry.OnRetry = resilience.RetryLogger("pager", "fetch")
	}
	return p
}

// Cursor is where a walk starts: the URL to fetch and the number of pages
// already completed before it.
type Cursor struct {
	URL  string
	Page int
}

// Pages fetches pages starting at start and calls fn with each page number
// (1-based, continuing from start.Page) until a page has no next link. An
// error from fn stops the walk.
func (p *Pager) Pages(ctx context.Context, start Cursor, headers map[string]string, fn func(n int, page *Page) error) error {
	url := start.URL
	n := start.Page
	for url != "" {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := p.Fetch(ctx, url, headers)
		if err != nil {
			return err
		}
		n++
		if err := fn(n, page); err != nil {
			return err
		}
		url = ""
		if page.Next != nil {
			url = strings.TrimSpace(*page.Next)
		}
	}
	return nil
}

// Fetch retrieves and decodes one page. 5xx, 408, 429 and network errors
// are retried; 401 and 403 are ConfigErrors; other 4xx are PermanentErrors.
func (p *Pager) Fetch(ctx context.Context, url string, headers map[string]string) (*Page, error) {
	return resilience.DoVal(ctx, p.retry, func(ctx context.Context) (*Page, error) {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		return p.get(ctx, url, headers)
	})
}

func (p *Pager) get(ctx context.Context, url string, headers map[string]string) (*Page, error) {
	resp, err := p.client.R().
		SetContext(ctx).
		SetHeaders(headers).
		Get(url)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, resilience.NewTransientError(eris.Wrap(err, "pager: request"), 0)
	}

	code := resp.StatusCode()
	switch {
	case code == http.StatusOK:
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return nil, resilience.NewConfigError("portaildf.token", eris.Errorf("pager: %s returned %d", url, code))
	case code == http.StatusTooManyRequests:
		return nil, &resilience.RateLimitError{Err: eris.Errorf("pager: %s returned 429", url)}
	case code >= 500 || code == http.StatusRequestTimeout:
		return nil, resilience.NewTransientError(eris.Errorf("pager: %s returned %d", url, code), code)
	default:
		return nil, &resilience.PermanentError{Err: eris.Errorf("pager: %s returned %d", url, code), StatusCode: code}
	}

	var page Page
	if err := json.Unmarshal(resp.Body(), &page); err != nil {
		return nil, &resilience.DataQualityError{Err: eris.Wrapf(err, "pager: decode page %s", url)}
	}
	p.log.Debug("page fetched", zap.String("url", url), zap.Int("results", len(page.Results)), zap.Int("count", page.Count))
	return &page, nil
}

package ban

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/rotisserie/eris"

	"github.com/zero-logement-vacant/zlv-address/internal/resilience"
)

// Request is one chunk submission.
type Request struct {
	// Name is the file name announced in the multipart part.
	Name string
	// Data is the chunk CSV written by WriteChunk.
	Data []byte
	// WithCityCode pins results to the INSEE code in the geo_code column.
	WithCityCode bool
}

// Response is a successful BAN answer.
type Response struct {
	Body  []byte
	Rows  int
	Bytes int
}

// Submit posts a chunk and returns the response CSV. 429 responses become a
// RateLimitError, 5xx and network failures a TransientError, both after the
// retry schedule is exhausted. Other 4xx responses are a PermanentError and
// are not retried.
func (c *Client) Submit(ctx context.Context, req Request) (*Response, error) {
	if len(req.Data) == 0 {
		return nil, eris.New("ban: empty chunk")
	}
	name := req.Name
	if name == "" {
		name = "chunk.csv"
	}

	body, contentType, err := encodeForm(name, req.Data, req.WithCityCode)
	if err != nil {
		return nil, err
	}

	return resilience.DoVal(ctx, c.retry, func(ctx context.Context) (*Response, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "ban: rate limit wait")
		}
		return c.post(ctx, body, contentType)
	})
}

func encodeForm(name string, data []byte, withCityCode bool) ([]byte, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("data", name)
	if err != nil {
		return nil, "", eris.Wrap(err, "ban: create form file")
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", eris.Wrap(err, "ban: write csv")
	}
	if err := writer.WriteField("columns", ColumnAddress); err != nil {
		return nil, "", eris.Wrap(err, "ban: write columns field")
	}
	if withCityCode {
		if err := writer.WriteField("citycode", ColumnGeoCode); err != nil {
			return nil, "", eris.Wrap(err, "ban: write citycode field")
		}
	}
	if err := writer.Close(); err != nil {
		return nil, "", eris.Wrap(err, "ban: close writer")
	}
	return buf.Bytes(), writer.FormDataContentType(), nil
}

func (c *Client) post(ctx context.Context, body []byte, contentType string) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "ban: build request")
	}
	httpReq.Header.Set("Content-Type", contentType)
	for k, vs := range c.headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, eris.Wrap(err, "ban: request cancelled")
		}
		return nil, resilience.NewTransientError(eris.Wrap(err, "ban: request"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "ban: read body"), resp.StatusCode)
	}

	if err := statusError(resp.StatusCode, data); err != nil {
		return nil, err
	}

	rows, err := CountRows(bytes.NewReader(data))
	if err != nil {
		// A truncated body on a 200 is a transport failure, not bad input.
		return nil, resilience.NewTransientError(eris.Wrap(err, "ban: unparseable response"), resp.StatusCode)
	}
	return &Response{Body: data, Rows: rows, Bytes: len(data)}, nil
}

func statusError(code int, body []byte) error {
	switch {
	case code == http.StatusOK:
		return nil
	case code == http.StatusTooManyRequests:
		return &resilience.RateLimitError{Err: eris.Errorf("ban: rate limited (status %d)", code)}
	case code >= 500 || resilience.IsTransientHTTPStatus(code):
		return resilience.NewTransientError(eris.Errorf("ban: server error (status %d)", code), code)
	default:
		return &resilience.PermanentError{
			Err:        eris.Errorf("ban: rejected (status %d): %s", code, snippet(body)),
			StatusCode: code,
		}
	}
}

func snippet(body []byte) string {
	const limit = 200
	s := string(bytes.TrimSpace(body))
	if len(s) > limit {
		s = s[:limit] + "..."
	}
	return s
}

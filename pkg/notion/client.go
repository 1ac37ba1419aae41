// Package notion wraps the Notion API for the supplier price table: a
// database with one page per (candidate, category) price row.
package notion

import (
	"context"
	"errors"
	"net/http"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/quote-engine/internal/resilience"
)

// Client is the subset of the Notion API the price table needs.
type Client interface {
	QueryDatabase(ctx context.Context, dbID string, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error)
	CreatePage(ctx context.Context, req *notionapi.PageCreateRequest) (*notionapi.Page, error)
	UpdatePage(ctx context.Context, pageID string, req *notionapi.PageUpdateRequest) (*notionapi.Page, error)
}

// ClientOption configures NewClient.
type ClientOption func(*notionClient)

// WithRateLimit sets the client-side request rate. Zero or less turns
// throttling off.
func WithRateLimit(rps float64) ClientOption {
	return func(c *notionClient) {
		c.limiter = nil
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
		}
	}
}

// Notion allows an average of three requests per second per integration.
const defaultRPS = 3

type notionClient struct {
	inner   *notionapi.Client
	limiter *rate.Limiter
}

// NewClient returns a throttled Client for the integration token.
func NewClient(token string, opts ...ClientOption) Client {
	c := &notionClient{
		inner:   notionapi.NewClient(notionapi.Token(token)),
		limiter: rate.NewLimiter(defaultRPS, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *notionClient) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

// call waits for a limiter slot, runs fn and classifies its error.
func call[T any](ctx context.Context, c *notionClient, action string, fn func() (T, error)) (T, error) {
	var zero T
	if err := c.wait(ctx); err != nil {
		return zero, eris.Wrapf(err, "notion: %s: throttle", action)
	}
	out, err := fn()
	if err != nil {
		return zero, classifyError(action, err)
	}
	return out, nil
}

// classifyError maps Notion API failures onto the resilience classes:
// 408/429/5xx are transient, 400 is an input error, everything else is
// returned wrapped.
func classifyError(action string, err error) error {
	wrapped := eris.Wrapf(err, "notion: %s", action)

	var apiErr *notionapi.Error
	if !errors.As(err, &apiErr) {
		return wrapped
	}
	switch {
	case resilience.IsTransientHTTPStatus(apiErr.Status):
		return resilience.NewTransientError(wrapped, apiErr.Status)
	case apiErr.Status == http.StatusBadRequest:
		return resilience.NewInputError("notion", wrapped)
	default:
		return wrapped
	}
}

func (c *notionClient) QueryDatabase(ctx context.Context, dbID string, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error) {
	return call(ctx, c, "query price table "+dbID, func() (*notionapi.DatabaseQueryResponse, error) {
		return c.inner.Database.Query(ctx, notionapi.DatabaseID(dbID), req)
	})
}

func (c *notionClient) CreatePage(ctx context.Context, req *notionapi.PageCreateRequest) (*notionapi.Page, error) {
	return call(ctx, c, "create price row", func() (*notionapi.Page, error) {
		return c.inner.Page.Create(ctx, req)
	})
}

func (c *notionClient) UpdatePage(ctx context.Context, pageID string, req *notionapi.PageUpdateRequest) (*notionapi.Page, error) {
	return call(ctx, c, "update price row "+pageID, func() (*notionapi.Page, error) {
		return c.inner.Page.Update(ctx, notionapi.PageID(pageID), req)
	})
}

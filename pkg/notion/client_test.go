package notion

import (
	"context"
	"errors"
	"testing"

	"github.com/jomei/notionapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/quote-engine/internal/resilience"
)

// MockClient implements Client for testing.
type MockClient struct {
	mock.Mock
}

func (m *MockClient) QueryDatabase(ctx context.Context, dbID string, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error) {
	args := m.Called(ctx, dbID, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*notionapi.DatabaseQueryResponse), args.Error(1)
}

func (m *MockClient) CreatePage(ctx context.Context, req *notionapi.PageCreateRequest) (*notionapi.Page, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*notionapi.Page), args.Error(1)
}

func (m *MockClient) UpdatePage(ctx context.Context, pageID string, req *notionapi.PageUpdateRequest) (*notionapi.Page, error) {
	args := m.Called(ctx, pageID, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*notionapi.Page), args.Error(1)
}

func TestMockClientSatisfiesInterface(t *testing.T) {
	t.Parallel()
	var _ Client = (*MockClient)(nil)
}

func TestNewClient_RateLimitOptions(t *testing.T) {
	c := NewClient("test-token").(*notionClient)
	assert.NotNil(t, c.limiter)

	c = NewClient("test-token", WithRateLimit(10)).(*notionClient)
	assert.InDelta(t, 10, float64(c.limiter.Limit()), 0.001)
	assert.Equal(t, 10, c.limiter.Burst())

	c = NewClient("test-token", WithRateLimit(0)).(*notionClient)
	assert.Nil(t, c.limiter)
	assert.NoError(t, c.wait(context.Background()))
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
		input     bool
	}{
		{name: "rate limited", err: &notionapi.Error{Status: 429, Code: "rate_limited"}, transient: true},
		{name: "unavailable", err: &notionapi.Error{Status: 503}, transient: true},
		{name: "validation", err: &notionapi.Error{Status: 400, Code: "validation_error"}, input: true},
		{name: "not found", err: &notionapi.Error{Status: 404, Code: "object_not_found"}},
		{name: "plain", err: errors.New("boom")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyError("query price table db1", tt.err)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "notion: query price table db1")
			assert.Equal(t, tt.input, resilience.IsInput(err))
			var te *resilience.TransientError
			assert.Equal(t, tt.transient, errors.As(err, &te))
		})
	}
}

func TestCall_ThrottleHonoursContext(t *testing.T) {
	c := NewClient("test-token", WithRateLimit(0.001)).(*notionClient)
	// Drain the single burst token so the next wait blocks.
	require.True(t, c.limiter.Allow())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	_, err := call(ctx, c, "create price row", func() (int, error) {
		called = true
		return 1, nil
	})
	assert.Error(t, err)
	assert.False(t, called)
}

func TestCall_PassesThroughResult(t *testing.T) {
	c := NewClient("test-token", WithRateLimit(0)).(*notionClient)
	got, err := call(context.Background(), c, "create price row", func() (string, error) {
		return "page-1", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "page-1", got)
}

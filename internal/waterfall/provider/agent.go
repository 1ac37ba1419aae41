package provider

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/cases"

	"github.com/sells-group/quote-engine/internal/model"
	"github.com/sells-group/quote-engine/internal/resilience"
)

// AgentReportedConfidence is the raw confidence of a quote an agent
// delivered through a callback.
const AgentReportedConfidence = 0.85

// OnlineChecker reports whether a candidate's agent is reachable.
type OnlineChecker interface {
	IsOnline(candidateID string) bool
}

// QuoteBook remembers the last quote each agent delivered per category.
type QuoteBook struct {
	mu     sync.RWMutex
	offers map[string]model.QuoteOffer
}

// NewQuoteBook creates an empty QuoteBook.
func NewQuoteBook() *QuoteBook {
	return &QuoteBook{offers: make(map[string]model.QuoteOffer)}
}

func bookKey(candidateID, category string) string {
	return candidateID + "\x00" + cases.Fold().String(strings.TrimSpace(category))
}

// Put records offer for the candidate and category.
func (b *QuoteBook) Put(candidateID, category string, offer model.QuoteOffer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	offer.Tiers = append([]model.PriceTier(nil), offer.Tiers...)
	b.offers[bookKey(candidateID, category)] = offer
}

// Get returns a copy of the stored offer.
func (b *QuoteBook) Get(candidateID, category string) (model.QuoteOffer, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	o, ok := b.offers[bookKey(candidateID, category)]
	if ok {
		o.Tiers = append([]model.PriceTier(nil), o.Tiers...)
	}
	return o, ok
}

// Len returns the number of stored offers.
func (b *QuoteBook) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.offers)
}

// AgentQuotes reuses recent agent-delivered quotes while the candidate's
// agent is online. Quotes older than maxAge are ignored.
type AgentQuotes struct {
	Base
	book   *QuoteBook
	online OnlineChecker
	maxAge time.Duration
}

// NewAgentQuotes creates the agent quote adapter.
func NewAgentQuotes(book *QuoteBook, online OnlineChecker, priority int, maxAge time.Duration) *AgentQuotes {
	return &AgentQuotes{
		Base:   NewBase(model.SourceAgentPush, priority),
		book:   book,
		online: online,
		maxAge: maxAge,
	}
}

// IsAvailable reports whether any agent quote has been recorded.
func (a *AgentQuotes) IsAvailable(context.Context) bool {
	return a.book != nil && a.online != nil && a.book.Len() > 0
}

// FetchQuote returns the stored quote if the candidate's agent is online.
func (a *AgentQuotes) FetchQuote(_ context.Context, p FetchParams) (*model.QuoteOffer, error) {
	if !a.online.IsOnline(p.CandidateID) {
		return nil, resilience.NotFoundf("provider: agent for %s is offline", p.CandidateID)
	}
	offer, ok := a.book.Get(p.CandidateID, p.Category)
	if !ok {
		return nil, resilience.NotFoundf("provider: no agent quote for %s/%s", p.CandidateID, p.Category)
	}
	if a.maxAge > 0 && offer.DataAsOf != nil && a.now().Sub(*offer.DataAsOf) > a.maxAge {
		return nil, resilience.NotFoundf("provider: agent quote for %s/%s expired", p.CandidateID, p.Category)
	}
	offer.Provenance = a.Type()
	if offer.Confidence <= 0 || offer.Confidence > AgentReportedConfidence {
		offer.Confidence = AgentReportedConfidence
	}
	return &offer, nil
}

package retrieval

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/cloudwego/eino/components/embedding"
	"go.uber.org/zap"
)

// Separator joins passages in the rendered context block.
const Separator = "\n\n---\n\n"

// DefaultTopK is the number of passages requested when none is configured.
const DefaultTopK = 5

// Context is the knowledge passed to the engine for one query.
type Context struct {
	Passages []string
	Degraded bool
}

// String renders the passages as a single prompt block.
func (c Context) String() string {
	return strings.Join(c.Passages, Separator)
}

// Empty reports whether there is nothing to ground an answer on.
func (c Context) Empty() bool {
	return len(c.Passages) == 0
}

// Provider turns a customer query into grounding passages.
type Provider struct {
	embedder embedding.Embedder
	index    VectorIndex
	topK     int
	log      *zap.Logger
	failures atomic.Int64
}

// NewProvider wires an embedder to a vector index.
func NewProvider(embedder embedding.Embedder, index VectorIndex, topK int, logger *zap.Logger) *Provider {
	if topK <= 0 {
		topK = DefaultTopK
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		embedder: embedder,
		index:    index,
		topK:     topK,
		log:      logger.Named("retrieval"),
	}
}

// FetchContext never fails: embedder or index errors degrade to an empty context.
func (p *Provider) FetchContext(ctx context.Context, query string) Context {
	query = strings.TrimSpace(query)
	if query == "" || p.embedder == nil || p.index == nil {
		return Context{Passages: []string{}}
	}

	vectors, err := p.embedder.EmbedStrings(ctx, []string{query})
	if err == nil && len(vectors) == 0 {
		err = errEmptyEmbedding
	}
	if err != nil {
		return p.degrade("embed query", err)
	}

	matches, err := p.index.Query(ctx, vectors[0], p.topK)
	if err != nil {
		return p.degrade("query index", err)
	}

	return Context{Passages: dedupe(matches)}
}

// Failures is the number of degraded lookups since start.
func (p *Provider) Failures() int64 {
	return p.failures.Load()
}

func (p *Provider) degrade(stage string, err error) Context {
	total := p.failures.Add(1)
	p.log.Warn("retrieval degraded",
		zap.String("stage", stage),
		zap.Int64("failures", total),
		zap.Error(err))
	return Context{Passages: []string{}, Degraded: true}
}

// dedupe drops repeated passage text, keeping first-seen order.
func dedupe(matches []Match) []string {
	seen := make(map[string]struct{}, len(matches))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if _, ok := seen[m.Text]; ok {
			continue
		}
		seen[m.Text] = struct{}{}
		out = append(out, m.Text)
	}
	return out
}

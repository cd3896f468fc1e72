package discovery

import (
	"certmesh/pkg/cert"
	"certmesh/pkg/overlay"
	"certmesh/pkg/repository"

	"go.uber.org/zap"
)

// Publisher answers overlay queries with the certificates of the repository
// whose facts match the queried keyword.
type Publisher struct {
	repo       *repository.Repository
	logger     *zap.Logger
	unregister func()
}

func NewPublisher(stack overlay.Stack, repo *repository.Repository, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Publisher{repo: repo, logger: logger}
	p.unregister = stack.RegisterQueryResponder(p.answer)
	return p
}

func (p *Publisher) answer(q overlay.Query) [][]byte {
	seen := make(map[*cert.Certificate]bool)
	var results [][]byte
	for _, f := range p.repo.GetMatchingFacts(q.Keyword, "") {
		c := f.Certificate()
		if c == nil || seen[c] {
			continue
		}
		seen[c] = true
		results = append(results, c.ToWireBytes())
	}
	if len(results) > 0 {
		p.logger.Debug("Answering certificate query",
			zap.String("keyword", q.Keyword),
			zap.Int("certificates", len(results)))
	}
	return results
}

// Close stops answering queries.
func (p *Publisher) Close() {
	if p.unregister != nil {
		p.unregister()
		p.unregister = nil
	}
}

package reconcile

import (
	"context"

	"github.com/ehr/episodesync/internal/careplatform"
)

// runCache memoizes platform lookups for the duration of one import pass.
// Unknown professionals are cached as nil.
type runCache struct {
	cases         map[string]*careplatform.CaseRef
	professionals map[string]*careplatform.Professional
}

func newRunCache() *runCache {
	return &runCache{
		cases:         make(map[string]*careplatform.CaseRef),
		professionals: make(map[string]*careplatform.Professional),
	}
}

func (c *runCache) professional(ctx context.Context, p careplatform.Platform, code string) (*careplatform.Professional, error) {
	if prof, ok := c.professionals[code]; ok {
		return prof, nil
	}
	prof, err := p.FindProfessional(ctx, code)
	if err != nil {
		return nil, err
	}
	c.professionals[code] = prof
	return prof, nil
}

package credential

import (
	"context"
	"sync"

	"github.com/RenatoCabral2022/voicelink/internal/clock"
)

// Primed hands out a primed credential at most once, then falls back to
// its source. Expired primed credentials are discarded, never returned.
type Primed struct {
	src   Source
	clock clock.Clock

	mu     sync.Mutex
	primed *Credential
}

func NewPrimed(src Source, clk clock.Clock) *Primed {
	return &Primed{src: src, clock: clk}
}

func (p *Primed) Prime(c Credential) {
	p.mu.Lock()
	p.primed = &c
	p.mu.Unlock()
}

func (p *Primed) Credential(ctx context.Context) (Credential, error) {
	p.mu.Lock()
	c := p.primed
	p.primed = nil
	p.mu.Unlock()

	if c != nil && !c.Expired(p.clock.Now()) {
		return *c, nil
	}
	return p.src.Credential(ctx)
}

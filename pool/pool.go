package pool

import (
	"sort"
	"sync"
)

// DefaultSlots is the capacity given to pools that are referenced before
// being defined.
const DefaultSlots = 128

// Stat is a point-in-time view of one pool.
type Stat struct {
	Name string `json:"name"`
	Size int    `json:"size"`
	Used int    `json:"used"`
}

// Pools tracks slot usage per named pool.
type Pools struct {
	mu    sync.Mutex
	pools map[string]*counter
}

type counter struct {
	size int
	used int
}

// New creates an empty pool registry.
func New() *Pools {
	return &Pools{pools: make(map[string]*counter)}
}

// Define sets the capacity of a pool, creating it if needed. Shrinking below
// current usage is allowed; the pool simply admits nothing until usage drains.
func (p *Pools) Define(name string, size int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.get(name)
	c.size = size
}

// Acquire takes n slots from the pool. Returns false without side effects
// when fewer than n slots are free.
func (p *Pools) Acquire(name string, n int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.get(name)
	if c.used+n > c.size {
		return false
	}
	c.used += n
	return true
}

// Release returns n slots to the pool. Usage never goes below zero.
func (p *Pools) Release(name string, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.get(name)
	c.used -= n
	if c.used < 0 {
		c.used = 0
	}
}

// Free returns the number of available slots.
func (p *Pools) Free(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.get(name)
	return c.size - c.used
}

// Snapshot returns stats for all pools sorted by name.
func (p *Pools) Snapshot() []Stat {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Stat, 0, len(p.pools))
	for name, c := range p.pools {
		out = append(out, Stat{Name: name, Size: c.size, Used: c.used})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// get returns the counter for name, auto-creating with DefaultSlots.
// Caller must hold p.mu.
func (p *Pools) get(name string) *counter {
	c, ok := p.pools[name]
	if !ok {
		c = &counter{size: DefaultSlots}
		p.pools[name] = c
	}
	return c
}

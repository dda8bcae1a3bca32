package mqttsim

import "sync/atomic"

// ClientNumberPool hands out rotating numbers 0..modulo-1. One instance is
// shared by every shard; Next is safe for concurrent use.
type ClientNumberPool struct {
	count  atomic.Uint64
	modulo atomic.Uint64
}

func NewClientNumberPool(modulo uint64) *ClientNumberPool {
	p := &ClientNumberPool{}
	p.SetModulo(modulo)
	return p
}

// SetModulo must be called before the pool is shared.
func (p *ClientNumberPool) SetModulo(m uint64) {
	p.modulo.Store(m)
}

// Next returns the current counter value reduced by the modulo and advances
// the counter. It returns 0 while no modulo is configured.
func (p *ClientNumberPool) Next() uint64 {
	m := p.modulo.Load()
	if m == 0 {
		return 0
	}
	return (p.count.Add(1) - 1) % m
}

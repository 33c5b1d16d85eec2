// Package rotor selects which sender identity handles the next job.
//
// Selection is smooth weighted round-robin: each eligible identity carries
// a running balance that grows by its weight on every pick and is reduced
// by the pool total when chosen. Unlike random weighted sampling this is
// deterministic and bounds how many consecutive picks a low-weight but
// active identity can be skipped for, so starvation is testable.
package rotor

import (
	"sync"

	"dispatchd/internal/domain"
)

// Candidate is one eligible identity. Weight is derived from the live
// reputation score; zero-weight or unhealthy identities must be excluded
// by the caller before SetPool.
type Candidate struct {
	ID     domain.SenderID
	Weight int
}

type entry struct {
	id      domain.SenderID
	weight  int
	balance int
}

type Rotor struct {
	mu    sync.Mutex
	pools map[domain.TenantID][]*entry
}

func New() *Rotor {
	return &Rotor{pools: map[domain.TenantID][]*entry{}}
}

// SetPool replaces a tenant's eligible identities. Balances of identities
// that survive the update are preserved so a refresh does not reset
// rotation fairness.
func (r *Rotor) SetPool(tenant domain.TenantID, cands []Candidate) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := map[domain.SenderID]int{}
	for _, e := range r.pools[tenant] {
		prev[e.id] = e.balance
	}

	pool := make([]*entry, 0, len(cands))
	for _, c := range cands {
		if c.Weight <= 0 {
			continue
		}
		pool = append(pool, &entry{id: c.ID, weight: c.Weight, balance: prev[c.ID]})
	}
	if len(pool) == 0 {
		delete(r.pools, tenant)
		return
	}
	r.pools[tenant] = pool
}

// Remove drops one identity from a tenant's pool (sender just blocked).
func (r *Rotor) Remove(tenant domain.TenantID, id domain.SenderID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pool := r.pools[tenant]
	for i, e := range pool {
		if e.id == id {
			r.pools[tenant] = append(pool[:i], pool[i+1:]...)
			break
		}
	}
	if len(r.pools[tenant]) == 0 {
		delete(r.pools, tenant)
	}
}

// Select picks the next identity for the tenant. ok is false when the
// tenant has no eligible identities at all.
func (r *Rotor) Select(tenant domain.TenantID) (domain.SenderID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pool := r.pools[tenant]
	if len(pool) == 0 {
		return "", false
	}

	total := 0
	var best *entry
	for _, e := range pool {
		e.balance += e.weight
		total += e.weight
		if best == nil || e.balance > best.balance {
			best = e
		}
	}
	best.balance -= total
	return best.id, true
}

// Eligible reports whether an identity is currently in the tenant's pool.
func (r *Rotor) Eligible(tenant domain.TenantID, id domain.SenderID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.pools[tenant] {
		if e.id == id {
			return true
		}
	}
	return false
}

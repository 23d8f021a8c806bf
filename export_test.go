package runpipe

import "github.com/panjf2000/ants/v2"

// Workers returns the underlying ants pool
func (s *Scheduler) Workers() *ants.Pool {
	if s == nil {
		return nil
	}
	return s.pool
}

// Pools returns the schedulers created so far
func (r *Registry) Pools() map[string]*Scheduler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*Scheduler, len(r.pools))
	for k, v := range r.pools {
		out[k] = v
	}
	return out
}

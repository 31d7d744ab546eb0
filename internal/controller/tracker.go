package controller

import (
	"sync"

	"campusride/internal/domain"
)

// rideTracker holds one current ride and its status history. apply is the
// single place where incoming ride snapshots are merged, so duplicate and
// out-of-order deliveries collapse to no-ops.
type rideTracker struct {
	mu      sync.RWMutex
	current *domain.RideRequest
	history []StatusChange
}

// apply merges r and returns the previous status and whether the status
// changed. A snapshot older than the held one is ignored, as is a snapshot
// of a different ride unless the held ride is finished or r is newer.
func (t *rideTracker) apply(r *domain.RideRequest) (domain.RideStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.current
	if cur != nil && cur.ID != r.ID {
		if cur.Status.IsActive() && !r.CreatedAt.After(cur.CreatedAt) {
			return cur.Status, false
		}
		cur = nil
	}

	if cur == nil {
		t.current = r.Clone()
		t.history = append(t.history, StatusChange{RideID: r.ID, To: r.Status, At: r.UpdatedAt})
		return "", true
	}

	if r.UpdatedAt.Before(cur.UpdatedAt) {
		return cur.Status, false
	}
	if r.Status == cur.Status {
		t.current = r.Clone()
		return cur.Status, false
	}

	from := cur.Status
	t.current = r.Clone()
	t.history = append(t.history, StatusChange{RideID: r.ID, From: from, To: r.Status, At: r.UpdatedAt})
	return from, true
}

// clear drops the current ride if it is rideID.
func (t *rideTracker) clear(rideID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current != nil && t.current.ID == rideID {
		t.current = nil
	}
}

func (t *rideTracker) snapshot() *domain.RideRequest {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current.Clone()
}

func (t *rideTracker) historyCopy() []StatusChange {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]StatusChange, len(t.history))
	copy(out, t.history)
	return out
}

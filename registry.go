package main

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// TransferStatus is the lifecycle state of a Transfer, per §3.
type TransferStatus string

const (
	StatusQueued     TransferStatus = "queued"
	StatusInProgress TransferStatus = "in_progress"
	StatusCompleted  TransferStatus = "completed"
	StatusFailed     TransferStatus = "failed"
	StatusCancelled  TransferStatus = "cancelled"
)

// Terminal reports whether the status represents a finished Transfer,
// eligible for time-based eviction from the Registry.
func (s TransferStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// TransferKey uniquely identifies a Transfer, per §3's invariant.
type TransferKey struct {
	Server   string
	Peer     string
	Filename string
}

func (k TransferKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Server, k.Peer, k.Filename)
}

// Transfer is the point-in-time state of one DCC reception, per §3.
type Transfer struct {
	Key           TransferKey
	Status        TransferStatus
	Size          uint64
	Received      uint64
	Offset        uint64
	Speed         float64
	Error         string
	MD5Advertised string
	MD5Computed   string
	StartedAt     time.Time
	FinishedAt    time.Time
}

// transferHandle is the narrow, non-owning capability the Registry keeps
// for a live Transfer Engine. It lets the Registry request cancellation
// without holding a reference to (or keeping alive) the engine's goroutine,
// per §9's "Weak back-references" design note.
type transferHandle interface {
	Cancel()
}

type registryEntry struct {
	transfer Transfer
	handle   transferHandle // nil once the engine has finished and detached
}

// Registry is the process-wide table of active and recently-finished
// Transfers, per §4.4. All mutations are serialized with mu.
type Registry struct {
	mu      sync.RWMutex
	entries map[TransferKey]*registryEntry
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[TransferKey]*registryEntry)}
}

// Insert registers intent to start a Transfer under key. It fails with
// ErrAlreadyActive if an entry with the same key is queued or in_progress,
// per §4.3 step 1 and §3's uniqueness invariant.
func (r *Registry) Insert(key TransferKey, size, offset uint64, handle transferHandle) (*Transfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[key]; ok && !existing.transfer.Status.Terminal() {
		return nil, errors.Wrapf(ErrAlreadyActive, "transfer %s already active", key)
	}

	t := Transfer{
		Key:       key,
		Status:    StatusQueued,
		Size:      size,
		Offset:    offset,
		StartedAt: time.Now(),
	}
	r.entries[key] = &registryEntry{transfer: t, handle: handle}
	out := t
	return &out, nil
}

// Update atomically applies patch to the Transfer at key. It is a no-op if
// the key is absent (the engine may race with a Cancel/reap).
func (r *Registry) Update(key TransferKey, patch func(*Transfer)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		return
	}
	patch(&e.transfer)
	if e.transfer.Status.Terminal() && e.transfer.FinishedAt.IsZero() {
		e.transfer.FinishedAt = time.Now()
	}
	if e.transfer.Status.Terminal() {
		e.handle = nil
	}
}

// Cancel signals the owning Engine to stop, if a cancellable Transfer
// exists at key. It returns true if a signal was sent.
func (r *Registry) Cancel(key TransferKey) bool {
	r.mu.RLock()
	e, ok := r.entries[key]
	r.mu.RUnlock()
	if !ok || e.transfer.Status.Terminal() || e.handle == nil {
		return false
	}
	e.handle.Cancel()
	return true
}

// Get returns a copy of the Transfer at key.
func (r *Registry) Get(key TransferKey) (Transfer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[key]
	if !ok {
		return Transfer{}, false
	}
	return e.transfer, true
}

// Snapshot returns a point-in-time, key-ordered list of all Transfers, for
// the control plane's /info endpoint.
func (r *Registry) Snapshot() []Transfer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Transfer, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.transfer)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// Reap removes entries whose FinishedAt is older than maxAge. In-progress
// and queued Transfers are never evicted by time, per §3's invariant.
func (r *Registry) Reap(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for k, e := range r.entries {
		if e.transfer.Status.Terminal() && e.transfer.FinishedAt.Before(cutoff) {
			delete(r.entries, k)
			removed++
		}
	}
	return removed
}

// RunReaper periodically sweeps finished entries until ctx is cancelled.
func (r *Registry) RunReaper(ctx context.Context, maxAge time.Duration, interval time.Duration, log *Telemetry) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Reap(maxAge); n > 0 && log != nil {
				log.Debugf("registry", "reaped %d finished transfer(s)", n)
			}
		}
	}
}

// Len returns the number of tracked entries, active or finished.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

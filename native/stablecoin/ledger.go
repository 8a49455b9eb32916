package stablecoin

import (
	"fmt"
	"sync"

	"stablecoin/crypto"
)

// PositionStore persists positions. GetPosition returns (nil, nil) when the
// owner has never deposited.
type PositionStore interface {
	GetPosition(owner crypto.Address) (*Position, error)
	PutPosition(pos *Position) error
}

// Store is the full persistence surface required by the engine.
type Store interface {
	ConfigStore
	PositionStore
}

type ownerLock struct {
	mu   sync.Mutex
	refs int
}

// Ledger serialises access to individual positions and applies staged
// changes. Positions of different owners never contend.
type Ledger struct {
	store PositionStore

	mu    sync.Mutex
	locks map[string]*ownerLock
}

// NewLedger wraps a position store.
func NewLedger(store PositionStore) *Ledger {
	return &Ledger{store: store, locks: make(map[string]*ownerLock)}
}

// Lock acquires exclusive access to owner's position. The returned function
// releases it and must be called exactly once.
func (l *Ledger) Lock(owner crypto.Address) func() {
	key := owner.Key()
	l.mu.Lock()
	lock, ok := l.locks[key]
	if !ok {
		lock = &ownerLock{}
		l.locks[key] = lock
	}
	lock.refs++
	l.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		l.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

// Load returns a private copy of owner's position, or an empty position when
// none exists. Callers mutate the copy and hand it to Commit.
func (l *Ledger) Load(owner crypto.Address) (*Position, error) {
	if l == nil || l.store == nil {
		return nil, errNilStore
	}
	pos, err := l.store.GetPosition(owner)
	if err != nil {
		return nil, fmt.Errorf("load position: %w", err)
	}
	if pos == nil {
		return &Position{Owner: owner}, nil
	}
	clone := pos.Clone()
	if clone.Owner.IsZero() {
		clone.Owner = owner
	}
	return clone, nil
}

// Commit persists a staged position. The caller must hold the owner's lock.
func (l *Ledger) Commit(pos *Position) error {
	if l == nil || l.store == nil {
		return errNilStore
	}
	if pos == nil || pos.Owner.IsZero() {
		return ErrInvalidOwner
	}
	if err := l.store.PutPosition(pos.Clone()); err != nil {
		return fmt.Errorf("commit position: %w", err)
	}
	return nil
}

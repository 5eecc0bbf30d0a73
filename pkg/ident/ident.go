// Package ident assigns identifiers to entities before insertion. A
// Strategy is bound to an entity type at configuration time and invoked
// whenever the entity's current identifier value is absent.
package ident

import (
	"fmt"
	"sync"

	"github.com/adfharrison1/go-docstore/pkg/codec"
	"github.com/adfharrison1/go-docstore/pkg/domain"
)

// Strategy produces an identifier for an entity about to be stored in the
// named collection. It returns the identifier in effect after the call and
// whether this call assigned it.
type Strategy interface {
	EnsureIdentifier(collection string, entity interface{}) (id interface{}, assigned bool, err error)
}

// Reserver atomically reserves the next value of a per-collection integer
// sequence. The wire client implements it against the database's own
// counter documents.
type Reserver interface {
	ReserveSequence(collection string) (int64, error)
}

// ObjectIdStrategy fills an absent identifier with a freshly generated
// 12-byte ObjectId. Present identifiers are never overwritten.
type ObjectIdStrategy struct {
	Registry *codec.Registry
}

func (s *ObjectIdStrategy) EnsureIdentifier(collection string, entity interface{}) (interface{}, bool, error) {
	reg := s.registry()
	current, present, err := reg.IdentifierOf(entity)
	if err != nil {
		return nil, false, err
	}
	if present {
		return current, false, nil
	}
	id := domain.NewObjectId()
	if err := reg.SetIdentifier(entity, id); err != nil {
		return nil, false, err
	}
	return id, true, nil
}

func (s *ObjectIdStrategy) registry() *codec.Registry {
	if s.Registry != nil {
		return s.Registry
	}
	return codec.Default()
}

// AssignedStrategy expects the caller to have supplied a scalar identifier
// already; an absent value is an error rather than a silent insert.
type AssignedStrategy struct {
	Registry *codec.Registry
}

func (s *AssignedStrategy) EnsureIdentifier(collection string, entity interface{}) (interface{}, bool, error) {
	reg := s.Registry
	if reg == nil {
		reg = codec.Default()
	}
	current, present, err := reg.IdentifierOf(entity)
	if err != nil {
		return nil, false, err
	}
	if !present {
		return nil, false, &domain.IdentifierError{
			Op:     "insert",
			Type:   fmt.Sprintf("%T", entity),
			Detail: "identifier must be supplied by the caller",
		}
	}
	return current, false, nil
}

// SequenceStrategy reserves monotonically increasing integers from a
// per-collection counter. The authoritative counter is the database's own
// counter document; a process-local mutex per collection keeps concurrent
// reservations from the same process from racing the reserve-and-increment
// step.
type SequenceStrategy struct {
	Reserver Reserver
	Registry *codec.Registry

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewSequenceStrategy builds a strategy backed by the given reserver.
func NewSequenceStrategy(r Reserver) *SequenceStrategy {
	return &SequenceStrategy{Reserver: r}
}

func (s *SequenceStrategy) EnsureIdentifier(collection string, entity interface{}) (interface{}, bool, error) {
	reg := s.Registry
	if reg == nil {
		reg = codec.Default()
	}
	current, present, err := reg.IdentifierOf(entity)
	if err != nil {
		return nil, false, err
	}
	if present {
		return current, false, nil
	}

	lock := s.collectionLock(collection)
	lock.Lock()
	next, err := s.Reserver.ReserveSequence(collection)
	lock.Unlock()
	if err != nil {
		return nil, false, &domain.IdentifierError{
			Op:     "insert",
			Type:   fmt.Sprintf("%T", entity),
			Detail: fmt.Sprintf("sequence reservation failed: %v", err),
		}
	}
	if err := reg.SetIdentifier(entity, next); err != nil {
		return nil, false, err
	}
	return next, true, nil
}

func (s *SequenceStrategy) collectionLock(collection string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locks == nil {
		s.locks = make(map[string]*sync.Mutex)
	}
	lock, ok := s.locks[collection]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[collection] = lock
	}
	return lock
}

// CustomStrategy delegates to a caller-supplied function pair. Assign is
// invoked only when Current reports the identifier absent. The strategy
// itself holds no mutable state, so distinct instances may be saved
// concurrently without interference.
type CustomStrategy struct {
	// Current reads the entity's identifier and whether it is present.
	Current func(entity interface{}) (interface{}, bool)
	// Assign generates and stores an identifier on the entity.
	Assign func(entity interface{}) (interface{}, error)
}

func (s *CustomStrategy) EnsureIdentifier(collection string, entity interface{}) (interface{}, bool, error) {
	if s.Current == nil || s.Assign == nil {
		return nil, false, &domain.IdentifierError{Detail: "custom strategy requires Current and Assign functions"}
	}
	if current, present := s.Current(entity); present {
		return current, false, nil
	}
	id, err := s.Assign(entity)
	if err != nil {
		return nil, false, &domain.IdentifierError{
			Op:     "insert",
			Type:   fmt.Sprintf("%T", entity),
			Detail: fmt.Sprintf("custom assignment failed: %v", err),
		}
	}
	return id, true, nil
}

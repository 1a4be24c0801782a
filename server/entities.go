package server

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

// Entity is a record of any entity type owned by one company.
type Entity struct {
	ID         string
	CompanyID  int64
	EntityType string
	Data       map[string]any
}

type entityKey struct {
	companyID  int64
	entityType string
	id         string
}

// EntityStore keeps entity records in memory. It stands in for the CRUD
// handlers the rules are intercepted in front of.
type EntityStore struct {
	entities map[entityKey]*Entity
	mu       sync.RWMutex
}

var errEntityNotFound = errors.New("entity not found")

// NewEntityStore creates an empty entity store
func NewEntityStore() *EntityStore {
	return &EntityStore{entities: make(map[entityKey]*Entity)}
}

// Create stores data under a fresh id.
func (s *EntityStore) Create(companyID int64, entityType string, data map[string]any) *Entity {
	e := &Entity{
		ID:         uuid.NewString(),
		CompanyID:  companyID,
		EntityType: entityType,
		Data:       data,
	}

	s.mu.Lock()
	s.entities[entityKey{companyID, entityType, e.ID}] = e
	s.mu.Unlock()
	return e.clone()
}

// Get returns one record.
func (s *EntityStore) Get(companyID int64, entityType, id string) (*Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entities[entityKey{companyID, entityType, id}]
	if !ok {
		return nil, errEntityNotFound
	}
	return e.clone(), nil
}

// Replace overwrites the record's data.
func (s *EntityStore) Replace(companyID int64, entityType, id string, data map[string]any) (*Entity, error) {
	return s.modify(companyID, entityType, id, func(e *Entity) {
		e.Data = data
	})
}

// Merge sets the given keys on the record's data.
func (s *EntityStore) Merge(companyID int64, entityType, id string, data map[string]any) (*Entity, error) {
	return s.modify(companyID, entityType, id, func(e *Entity) {
		merged := make(map[string]any, len(e.Data)+len(data))
		for k, v := range e.Data {
			merged[k] = v
		}
		for k, v := range data {
			merged[k] = v
		}
		e.Data = merged
	})
}

func (s *EntityStore) modify(companyID int64, entityType, id string, fn func(*Entity)) (*Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entities[entityKey{companyID, entityType, id}]
	if !ok {
		return nil, errEntityNotFound
	}
	fn(e)
	return e.clone(), nil
}

func (e *Entity) clone() *Entity {
	c := *e
	c.Data = make(map[string]any, len(e.Data))
	for k, v := range e.Data {
		c.Data[k] = v
	}
	return &c
}

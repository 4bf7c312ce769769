// Package memstore is an in-memory [persona.Store] implementation used by
// tests and local development.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/flowpilot/flowpilot/pkg/persona"
)

type Store struct {
	mu       sync.Mutex
	personas map[string]persona.Persona
}

func New() *Store {
	return &Store{personas: make(map[string]persona.Persona)}
}

func (s *Store) Create(ctx context.Context, p persona.Persona) (persona.Persona, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.personas[p.ID]; exists {
		return persona.Persona{}, persona.ErrAlreadyExists(p.ID)
	}
	s.personas[p.ID] = p
	return p, nil
}

func (s *Store) Get(ctx context.Context, personaID string) (*persona.Persona, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.personas[personaID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *Store) List(ctx context.Context, userSub, status string) ([]persona.Persona, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []persona.Persona
	for _, p := range s.personas {
		if p.UserSub != userSub {
			continue
		}
		if status != "" && p.Status != status {
			continue
		}
		out = append(out, p)
	}
	sortByCreatedDesc(out)
	return out, nil
}

func (s *Store) ListByTitle(ctx context.Context, title, status string) ([]persona.Persona, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []persona.Persona
	for _, p := range s.personas {
		if p.Title != title {
			continue
		}
		if status != "" && p.Status != status {
			continue
		}
		out = append(out, p)
	}
	sortByCreatedDesc(out)
	return out, nil
}

func (s *Store) GetActive(ctx context.Context, userSub string) (*persona.Persona, error) {
	all, _ := s.List(ctx, userSub, "active")
	if len(all) == 0 {
		return nil, nil
	}
	return &all[0], nil
}

func (s *Store) Update(ctx context.Context, personaID string, patch persona.Patch) (*persona.Persona, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.personas[personaID]
	if !ok {
		return nil, nil
	}

	if patch.Title != nil {
		p.Title = *patch.Title
	}
	if patch.Circle != nil {
		p.Circle = *patch.Circle
	}
	if patch.Scope != nil {
		p.Scope = patch.Scope
	}
	if patch.ValidFrom != nil {
		p.ValidFrom = *patch.ValidFrom
	}
	if patch.ValidTill != nil {
		p.ValidTill = *patch.ValidTill
	}
	if patch.Status != nil {
		p.Status = *patch.Status
	}
	if patch.Attributes != nil {
		p.Attributes = patch.Attributes
	}
	p.UpdatedAt = time.Now().UTC()

	s.personas[personaID] = p
	return &p, nil
}

func (s *Store) Delete(ctx context.Context, personaID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.personas[personaID]; !ok {
		return false, nil
	}
	delete(s.personas, personaID)
	return true, nil
}

func (s *Store) CountForUser(ctx context.Context, userSub string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, p := range s.personas {
		if p.UserSub == userSub {
			n++
		}
	}
	return n, nil
}

func sortByCreatedDesc(ps []persona.Persona) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].CreatedAt.After(ps[j].CreatedAt) })
}

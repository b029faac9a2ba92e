package guild

import (
	"context"
	"errors"
	"sync"
)

// ErrSourceDown is returned by MemorySource while it is marked unavailable.
var ErrSourceDown = errors.New("membership source unavailable")

var _ Source = (*MemorySource)(nil)

// MemorySource is an in-process Source for tests and local development.
type MemorySource struct {
	mu      sync.RWMutex
	guilds  map[string]*Guild
	members map[string]map[string]*Member
	down    bool
	calls   int
}

func NewMemorySource() *MemorySource {
	return &MemorySource{
		guilds:  make(map[string]*Guild),
		members: make(map[string]map[string]*Member),
	}
}

func (s *MemorySource) AddGuild(g Guild) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.guilds[g.ID] = &g
	if s.members[g.ID] == nil {
		s.members[g.ID] = make(map[string]*Member)
	}
}

func (s *MemorySource) SetMember(guildID string, m Member) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.members[guildID] == nil {
		s.members[guildID] = make(map[string]*Member)
	}
	s.members[guildID][m.UserID] = &m
}

func (s *MemorySource) RemoveMember(guildID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members[guildID], userID)
}

// SetDown makes every call fail with ErrSourceDown.
func (s *MemorySource) SetDown(down bool) {
	s.mu.Lock()
	s.down = down
	s.mu.Unlock()
}

// Calls returns how many fetches reached the source.
func (s *MemorySource) Calls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls
}

func (s *MemorySource) FetchGuild(_ context.Context, guildID string) (*Guild, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.down {
		return nil, ErrSourceDown
	}
	g, ok := s.guilds[guildID]
	if !ok {
		return nil, ErrGuildNotFound
	}
	cp := *g
	return &cp, nil
}

func (s *MemorySource) FetchMember(_ context.Context, guildID, userID string) (*Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.down {
		return nil, ErrSourceDown
	}
	if _, ok := s.guilds[guildID]; !ok {
		return nil, ErrGuildNotFound
	}
	m, ok := s.members[guildID][userID]
	if !ok {
		return nil, nil
	}
	cp := *m
	cp.RoleIDs = append([]string(nil), m.RoleIDs...)
	return &cp, nil
}

package guild

import (
	"context"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
)

var _ Source = (*CachedSource)(nil)

// CachedSource keeps successful lookups for a short TTL. Errors are never cached.
// A zero TTL disables caching.
type CachedSource struct {
	next  Source
	ttl   time.Duration
	cache *cache.Cache
}

type memberEntry struct {
	member *Member
}

func NewCachedSource(next Source, ttl time.Duration) *CachedSource {
	return &CachedSource{
		next:  next,
		ttl:   ttl,
		cache: cache.New(ttl, 2*ttl+time.Minute),
	}
}

func guildKey(guildID string) string { return "g:" + guildID }
func memberKey(guildID, userID string) string { return "m:" + guildID + ":" + userID }

func (s *CachedSource) FetchGuild(ctx context.Context, guildID string) (*Guild, error) {
	if s.ttl > 0 {
		if v, ok := s.cache.Get(guildKey(guildID)); ok {
			return v.(*Guild), nil
		}
	}
	g, err := s.next.FetchGuild(ctx, guildID)
	if err != nil {
		return nil, err
	}
	if s.ttl > 0 {
		s.cache.Set(guildKey(guildID), g, s.ttl)
	}
	return g, nil
}

// FetchMember caches non-membership too, so repeated checks for outsiders stay cheap.
func (s *CachedSource) FetchMember(ctx context.Context, guildID, userID string) (*Member, error) {
	if s.ttl > 0 {
		if v, ok := s.cache.Get(memberKey(guildID, userID)); ok {
			return v.(memberEntry).member, nil
		}
	}
	m, err := s.next.FetchMember(ctx, guildID, userID)
	if err != nil {
		return nil, err
	}
	if s.ttl > 0 {
		s.cache.Set(memberKey(guildID, userID), memberEntry{member: m}, s.ttl)
	}
	return m, nil
}

// InvalidateGuild drops every cached entry for guildID.
func (s *CachedSource) InvalidateGuild(guildID string) {
	s.cache.Delete(guildKey(guildID))
	prefix := memberKey(guildID, "")
	for key := range s.cache.Items() {
		if strings.HasPrefix(key, prefix) {
			s.cache.Delete(key)
		}
	}
}

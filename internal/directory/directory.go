// Package directory resolves user identities and display data. The messaging
// core only consults it to check that a user exists before a conversation
// is created with them.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"roomcast/internal/models"

	"github.com/c-pro/geche"
)

type Resolver interface {
	Resolve(ctx context.Context, userID string) (models.Profile, error)
}

// HTTPResolver fetches profiles from GET {base}/users/{id}.
type HTTPResolver struct {
	base   string
	client *http.Client
}

func NewHTTPResolver(baseURL string, client *http.Client) *HTTPResolver {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPResolver{base: strings.TrimRight(baseURL, "/"), client: client}
}

func (r *HTTPResolver) Resolve(ctx context.Context, userID string) (models.Profile, error) {
	if userID == "" {
		return models.Profile{}, models.ErrNotFound
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.base+"/users/"+url.PathEscape(userID), nil)
	if err != nil {
		return models.Profile{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return models.Profile{}, fmt.Errorf("directory request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return models.Profile{}, models.ErrNotFound
	case resp.StatusCode != http.StatusOK:
		return models.Profile{}, fmt.Errorf("directory returned %s", resp.Status)
	}

	var p models.Profile
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return models.Profile{}, fmt.Errorf("decode profile: %w", err)
	}
	if p.ID == "" {
		p.ID = userID
	}
	return p, nil
}

// Cached memoizes successful lookups for ttl. Misses are not cached so a
// newly created user becomes visible immediately.
type Cached struct {
	next  Resolver
	cache geche.Geche[string, models.Profile]
}

func NewCached(ctx context.Context, next Resolver, ttl time.Duration) *Cached {
	return &Cached{
		next:  next,
		cache: geche.NewMapTTLCache[string, models.Profile](ctx, ttl, time.Minute),
	}
}

func (c *Cached) Resolve(ctx context.Context, userID string) (models.Profile, error) {
	if p, err := c.cache.Get(userID); err == nil {
		return p, nil
	}
	p, err := c.next.Resolve(ctx, userID)
	if err != nil {
		return models.Profile{}, err
	}
	c.cache.Set(userID, p)
	return p, nil
}

// Static is an in-memory directory used when no external one is
// configured. Users are added as sessions are issued.
type Static struct {
	mu       sync.RWMutex
	profiles map[string]models.Profile
}

func NewStatic() *Static {
	return &Static{profiles: make(map[string]models.Profile)}
}

func (s *Static) Add(p models.Profile) error {
	if p.ID == "" {
		return errors.New("profile id is required")
	}
	if p.Username == "" {
		p.Username = p.ID
	}
	if p.DisplayName == "" {
		p.DisplayName = p.Username
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.ID] = p
	return nil
}

func (s *Static) Resolve(_ context.Context, userID string) (models.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[userID]
	if !ok {
		return models.Profile{}, models.ErrNotFound
	}
	return p, nil
}

func (s *Static) List() []models.Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Profile, 0, len(s.profiles))
	for _, p := range s.profiles {
		out = append(out, p)
	}
	return out
}

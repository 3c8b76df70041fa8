package autolang

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
)

const (
	// defaultStreamCacheSize bounds the per-item stream selection cache.
	defaultStreamCacheSize = 10000

	sessionStateTTL   = 24 * time.Hour
	userClientTTL     = 24 * time.Hour
	activityWindow    = 10 * time.Second
	activityMinGap    = 3 * time.Second
	newlyProcessedTTL = 7 * 24 * time.Hour
)

// cacheFile is the persisted portion of the server cache.
type cacheFile struct {
	NewlyUpdated map[string]time.Time `json:"newly_updated"`
	NewlyAdded   map[string]time.Time `json:"newly_added"`
	EpisodeParts map[string][]string  `json:"episode_parts"`
	LastRefresh  time.Time            `json:"last_refresh"`
}

type sessionState struct {
	state string
	seen  time.Time
}

type userClient struct {
	user User
	seen time.Time
}

type activityKey struct {
	UserID  string
	ItemKey string
}

// ServerCache tracks processed items, playback sessions, and library
// state for one media server. All state changes run under a single
// mutex; the persisted portion is written through to disk on mutation.
type ServerCache struct {
	path string

	mu         sync.Mutex
	file       cacheFile
	refreshing bool

	sessionStates    map[string]sessionState
	userClients      map[string]userClient
	recentActivities map[activityKey]time.Time
	defaultStreams   *lru.Cache[string, StreamPair]
}

// OpenServerCache loads the cache persisted for the service's machine
// identifier, or performs an initial full library scan when no valid
// cache exists.
func OpenServerCache(ctx context.Context, dataDir string, svc MediaService) (*ServerCache, error) {
	identity, err := svc.Identity(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolving server identity: %w", err)
	}
	streams, err := lru.New[string, StreamPair](defaultStreamCacheSize)
	if err != nil {
		return nil, err
	}
	c := &ServerCache{
		path: filepath.Join(dataDir, "cache", identity),
		file: cacheFile{
			NewlyUpdated: map[string]time.Time{},
			NewlyAdded:   map[string]time.Time{},
			EpisodeParts: map[string][]string{},
		},
		sessionStates:    map[string]sessionState{},
		userClients:      map[string]userClient{},
		recentActivities: map[activityKey]time.Time{},
		defaultStreams:   streams,
	}
	if c.load() {
		return c, nil
	}
	log.Info().Str("path", c.path).Msg("No usable cache found, scanning library")
	episodes, err := svc.AllEpisodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("initial library scan: %w", err)
	}
	c.mu.Lock()
	c.file.EpisodeParts = episodeParts(episodes)
	c.file.LastRefresh = time.Now()
	c.saveLocked()
	c.mu.Unlock()
	return c, nil
}

// load reads the persisted cache. A missing, empty, or corrupt file is
// discarded so the caller falls back to a full scan.
func (c *ServerCache) load() bool {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return false
	}
	var file cacheFile
	if err := json.Unmarshal(data, &file); err != nil {
		log.Warn().Err(err).Str("path", c.path).Msg("Discarding corrupt cache file")
		return false
	}
	if file.EpisodeParts == nil || file.LastRefresh.IsZero() {
		return false
	}
	if file.NewlyUpdated == nil {
		file.NewlyUpdated = map[string]time.Time{}
	}
	if file.NewlyAdded == nil {
		file.NewlyAdded = map[string]time.Time{}
	}
	c.mu.Lock()
	c.file = file
	c.mu.Unlock()
	return true
}

// Save writes the persisted portion of the cache to disk.
func (c *ServerCache) Save() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.saveLocked()
}

func (c *ServerCache) saveLocked() {
	data, err := json.Marshal(c.file)
	if err != nil {
		log.Error().Err(err).Msg("Unable to serialize cache")
		return
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		log.Error().Err(err).Str("path", c.path).Msg("Unable to create cache directory")
		return
	}
	if err := os.WriteFile(c.path, data, 0o644); err != nil {
		log.Error().Err(err).Str("path", c.path).Msg("Unable to write cache file")
	}
}

// LastRefresh returns the time of the last library snapshot.
func (c *ServerCache) LastRefresh() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.file.LastRefresh
}

// RefreshLibrary re-scans the library and diffs it against the cached
// snapshot. It returns the added and updated episodes, or (nil, nil)
// when a refresh is already in flight.
func (c *ServerCache) RefreshLibrary(ctx context.Context, svc MediaService) (added, updated []Episode, err error) {
	c.mu.Lock()
	if c.refreshing {
		c.mu.Unlock()
		log.Debug().Msg("Library refresh already in progress, skipping")
		return nil, nil, nil
	}
	c.refreshing = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.refreshing = false
		c.mu.Unlock()
	}()

	episodes, err := svc.AllEpisodes(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("scanning library: %w", err)
	}
	snapshot := episodeParts(episodes)

	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range episodes {
		ep := &episodes[i]
		previous, known := c.file.EpisodeParts[ep.Key]
		if !known {
			added = append(added, *ep)
			continue
		}
		if !samePartSet(previous, snapshot[ep.Key]) {
			updated = append(updated, *ep)
		}
	}
	c.file.EpisodeParts = snapshot
	c.file.LastRefresh = time.Now()
	c.saveLocked()
	log.Debug().
		Int("episodes", len(episodes)).
		Int("added", len(added)).
		Int("updated", len(updated)).
		Msg("Library refresh complete")
	return added, updated, nil
}

// ShouldProcessRecentlyAdded reports whether a newly added item should
// be processed, true at most once per (key, addedAt) pair.
func (c *ServerCache) ShouldProcessRecentlyAdded(key string, addedAt time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seen, ok := c.file.NewlyAdded[key]; ok && seen.Equal(addedAt) {
		return false
	}
	c.file.NewlyAdded[key] = addedAt
	c.pruneNewlyLocked()
	c.saveLocked()
	return true
}

// ShouldProcessRecentlyUpdated reports whether an updated item should
// be processed, true at most once per library refresh.
func (c *ServerCache) ShouldProcessRecentlyUpdated(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seen, ok := c.file.NewlyUpdated[key]; ok && seen.After(c.file.LastRefresh) {
		return false
	}
	c.file.NewlyUpdated[key] = time.Now()
	c.pruneNewlyLocked()
	c.saveLocked()
	return true
}

func (c *ServerCache) pruneNewlyLocked() {
	cutoff := time.Now().Add(-newlyProcessedTTL)
	for key, seen := range c.file.NewlyAdded {
		if seen.Before(cutoff) {
			delete(c.file.NewlyAdded, key)
		}
	}
	for key, seen := range c.file.NewlyUpdated {
		if seen.Before(cutoff) {
			delete(c.file.NewlyUpdated, key)
		}
	}
}

// ShouldProcessActivity debounces library activity alerts per user and
// item: at most one processed activity every few seconds.
func (c *ServerCache) ShouldProcessActivity(userID, itemKey string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for key, seen := range c.recentActivities {
		if now.Sub(seen) > activityWindow {
			delete(c.recentActivities, key)
		}
	}
	key := activityKey{UserID: userID, ItemKey: itemKey}
	if seen, ok := c.recentActivities[key]; ok && now.Sub(seen) < activityMinGap {
		return false
	}
	c.recentActivities[key] = now
	return true
}

// SessionState returns the last observed playback state of a session,
// or "" when unknown.
func (c *ServerCache) SessionState(sessionKey string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessionStates[sessionKey]; ok && time.Since(s.seen) <= sessionStateTTL {
		return s.state
	}
	return ""
}

// SetSessionState records the playback state of a session.
func (c *ServerCache) SetSessionState(sessionKey, state string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionStates[sessionKey] = sessionState{state: state, seen: time.Now()}
}

// EndSession forgets a stopped session.
func (c *ServerCache) EndSession(sessionKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessionStates, sessionKey)
}

// UserForClient returns the cached user driving a client, if known.
func (c *ServerCache) UserForClient(clientID string) (User, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.userClients[clientID]
	if !ok || time.Since(entry.seen) > userClientTTL {
		return User{}, false
	}
	return entry.user, true
}

// SetUserForClient caches the client to user association.
func (c *ServerCache) SetUserForClient(clientID string, user User) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userClients[clientID] = userClient{user: user, seen: time.Now()}
}

// ForgetClient drops the client to user association.
func (c *ServerCache) ForgetClient(clientID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.userClients, clientID)
}

// DefaultStreams returns the last observed stream selection of an item.
func (c *ServerCache) DefaultStreams(itemKey string) (StreamPair, bool) {
	return c.defaultStreams.Get(itemKey)
}

// SetDefaultStreams records the current stream selection of an item.
func (c *ServerCache) SetDefaultStreams(itemKey string, pair StreamPair) {
	c.defaultStreams.Add(itemKey, pair)
}

// RunCleanup sweeps expired entries on a fixed interval until the
// context is cancelled.
func (c *ServerCache) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.CleanIdle()
		}
	}
}

// CleanIdle evicts session and client entries past their TTL.
func (c *ServerCache) CleanIdle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for key, s := range c.sessionStates {
		if now.Sub(s.seen) > sessionStateTTL {
			delete(c.sessionStates, key)
		}
	}
	for key, u := range c.userClients {
		if now.Sub(u.seen) > userClientTTL {
			delete(c.userClients, key)
		}
	}
	for key, seen := range c.recentActivities {
		if now.Sub(seen) > activityWindow {
			delete(c.recentActivities, key)
		}
	}
}

func episodeParts(episodes []Episode) map[string][]string {
	parts := make(map[string][]string, len(episodes))
	for i := range episodes {
		ep := &episodes[i]
		keys := make([]string, 0, len(ep.Parts))
		for _, part := range ep.Parts {
			keys = append(keys, part.Key)
		}
		sort.Strings(keys)
		parts[ep.Key] = keys
	}
	return parts
}

func samePartSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

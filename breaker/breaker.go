package breaker

import (
	"sort"
	"sync"
	"time"

	log "github.com/hashicorp/go-hclog"

	"github.com/flant/negentropy/provisioning/model"
)

// Key identifies a breaker window: one per system and operation kind
type Key struct {
	SystemUUID string
	Operation  model.OperationType
}

type State string

const (
	StateClosed State = "CLOSED"
	StateOpen   State = "OPEN"
)

type Settings struct {
	// Threshold of retained attempts which opens the breaker, zero disables breaker
	Threshold int
	// WarningThreshold is only logged
	WarningThreshold int
	// Window is the retention period of attempts
	Window time.Duration
}

// merge overrides non-zero fields
func (s Settings) merge(o *model.BreakerSettings) Settings {
	if o == nil {
		return s
	}
	if o.Threshold > 0 {
		s.Threshold = o.Threshold
	}
	if o.WarningThreshold > 0 {
		s.WarningThreshold = o.WarningThreshold
	}
	if o.Window > 0 {
		s.Window = time.Duration(o.Window)
	}
	return s
}

// window is an ordered sequence of attempt timestamps guarded by its own mutex
type window struct {
	mutex   sync.Mutex
	entries []time.Time
}

// Breaker keeps a rolling window of attempts for each key.
// Operations on one key are serialized, distinct keys never share a lock after window creation.
type Breaker struct {
	defaults Settings

	settingsMutex sync.RWMutex
	settings      map[string]Settings // by systemUUID

	windowsMutex sync.RWMutex
	windows      map[Key]*window

	logger log.Logger
}

func NewBreaker(defaults Settings, logger log.Logger) *Breaker {
	return &Breaker{
		defaults: defaults,
		settings: map[string]Settings{},
		windows:  map[Key]*window{},
		logger:   logger.Named("Breaker"),
	}
}

// Configure applies per-system overrides of default settings
func (b *Breaker) Configure(systemUUID string, overrides *model.BreakerSettings) {
	b.settingsMutex.Lock()
	defer b.settingsMutex.Unlock()
	b.settings[systemUUID] = b.defaults.merge(overrides)
}

func (b *Breaker) Settings(key Key) Settings {
	b.settingsMutex.RLock()
	defer b.settingsMutex.RUnlock()
	if s, ok := b.settings[key.SystemUUID]; ok {
		return s
	}
	return b.defaults
}

// get returns existing window or nil
func (b *Breaker) get(key Key) *window {
	b.windowsMutex.RLock()
	defer b.windowsMutex.RUnlock()
	return b.windows[key]
}

func (b *Breaker) getOrCreate(key Key) *window {
	if w := b.get(key); w != nil {
		return w
	}
	b.windowsMutex.Lock()
	defer b.windowsMutex.Unlock()
	if w, ok := b.windows[key]; ok {
		return w
	}
	w := &window{}
	b.windows[key] = w
	return w
}

// Record appends attempt timestamp to the key window, keeping the window ordered
func (b *Breaker) Record(key Key, now time.Time) {
	w := b.getOrCreate(key)
	w.mutex.Lock()
	idx := sort.Search(len(w.entries), func(i int) bool { return w.entries[i].After(now) })
	w.entries = append(w.entries, time.Time{})
	copy(w.entries[idx+1:], w.entries[idx:])
	w.entries[idx] = now
	count := len(w.entries)
	w.mutex.Unlock()

	settings := b.Settings(key)
	switch {
	case settings.Threshold > 0 && count == settings.Threshold:
		b.logger.Error("breaker opened", "system", key.SystemUUID, "operation", key.Operation, "attempts", count)
	case settings.WarningThreshold > 0 && count == settings.WarningThreshold:
		b.logger.Warn("breaker warning limit reached", "system", key.SystemUUID, "operation", key.Operation, "attempts", count)
	}
}

// Evict drops entries not newer than cutoff
func (b *Breaker) Evict(key Key, cutoff time.Time) {
	w := b.get(key)
	if w == nil {
		return
	}
	w.mutex.Lock()
	defer w.mutex.Unlock()
	idx := sort.Search(len(w.entries), func(i int) bool { return w.entries[i].After(cutoff) })
	if idx == 0 {
		return
	}
	retained := make([]time.Time, len(w.entries)-idx)
	copy(retained, w.entries[idx:])
	w.entries = retained
}

// Clear empties the key window
func (b *Breaker) Clear(key Key) {
	w := b.get(key)
	if w == nil {
		return
	}
	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.entries = nil
}

func (b *Breaker) Count(key Key) int {
	w := b.get(key)
	if w == nil {
		return 0
	}
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return len(w.entries)
}

// Entries returns copy of retained timestamps
func (b *Breaker) Entries(key Key) []time.Time {
	w := b.get(key)
	if w == nil {
		return nil
	}
	w.mutex.Lock()
	defer w.mutex.Unlock()
	res := make([]time.Time, len(w.entries))
	copy(res, w.entries)
	return res
}

// Tripped reports OPEN state: retained count reached threshold
func (b *Breaker) Tripped(key Key) bool {
	threshold := b.Settings(key).Threshold
	if threshold <= 0 {
		return false
	}
	return b.Count(key) >= threshold
}

func (b *Breaker) State(key Key) State {
	if b.Tripped(key) {
		return StateOpen
	}
	return StateClosed
}

// Allow evicts entries older than window and checks the breaker, it is the pipeline gate
func (b *Breaker) Allow(key Key, now time.Time) bool {
	if window := b.Settings(key).Window; window > 0 {
		b.Evict(key, now.Add(-window))
	}
	return !b.Tripped(key)
}

// Reset is the explicit administrative return to CLOSED
func (b *Breaker) Reset(key Key) {
	b.Clear(key)
	b.logger.Info("breaker reset", "system", key.SystemUUID, "operation", key.Operation)
}

// Snapshot returns retained counts of all known windows
func (b *Breaker) Snapshot() map[Key]int {
	b.windowsMutex.RLock()
	keys := make([]Key, 0, len(b.windows))
	for k := range b.windows {
		keys = append(keys, k)
	}
	b.windowsMutex.RUnlock()
	res := make(map[Key]int, len(keys))
	for _, k := range keys {
		res[k] = b.Count(k)
	}
	return res
}

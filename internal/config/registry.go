package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/livetalk/pkg/audio"
	"github.com/MrWong99/livetalk/pkg/audio/playback"
	"github.com/MrWong99/livetalk/pkg/provider/s2s"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps implementation names to their constructor functions for the
// speech service, the capture backend and the playback device. It is safe
// for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	s2s      map[string]func(ProviderEntry) (s2s.Provider, error)
	capture  map[string]func(CaptureConfig) (audio.CaptureSource, error)
	playback map[string]func(PlaybackConfig) (playback.Device, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		s2s:      make(map[string]func(ProviderEntry) (s2s.Provider, error)),
		capture:  make(map[string]func(CaptureConfig) (audio.CaptureSource, error)),
		playback: make(map[string]func(PlaybackConfig) (playback.Device, error)),
	}
}

// RegisterS2S registers a speech service factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterS2S(name string, factory func(ProviderEntry) (s2s.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.s2s[name] = factory
}

// RegisterCapture registers a capture backend factory under name.
func (r *Registry) RegisterCapture(name string, factory func(CaptureConfig) (audio.CaptureSource, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capture[name] = factory
}

// RegisterPlayback registers a playback device factory under name.
func (r *Registry) RegisterPlayback(name string, factory func(PlaybackConfig) (playback.Device, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.playback[name] = factory
}

// CreateS2S instantiates a speech service using the factory registered under
// entry.Name. Returns [ErrProviderNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) CreateS2S(entry ProviderEntry) (s2s.Provider, error) {
	r.mu.RLock()
	factory, ok := r.s2s[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: s2s/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateCapture instantiates the capture backend registered under cfg.Backend.
func (r *Registry) CreateCapture(cfg CaptureConfig) (audio.CaptureSource, error) {
	r.mu.RLock()
	factory, ok := r.capture[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: capture/%q", ErrProviderNotRegistered, cfg.Backend)
	}
	return factory(cfg)
}

// CreatePlayback instantiates the playback device registered under
// cfg.Backend. It is called once per session start.
func (r *Registry) CreatePlayback(cfg PlaybackConfig) (playback.Device, error) {
	r.mu.RLock()
	factory, ok := r.playback[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: playback/%q", ErrProviderNotRegistered, cfg.Backend)
	}
	return factory(cfg)
}

// S2SNames returns the registered speech service names in sorted order.
func (r *Registry) S2SNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.s2s))
}

package config

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/MrWong99/npustt/pkg/audio"
	"github.com/MrWong99/npustt/pkg/provider/stt"
	"github.com/MrWong99/npustt/pkg/provider/vad"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// SourceFactory builds an audio source for entry. The source must emit frames
// of audio.BlockSize samples at audio.SampleRate.
type SourceFactory func(entry ProviderEntry, audio AudioConfig) (audio.Source, error)

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	backends    map[string]func(ProviderEntry) (stt.Backend, error)
	classifiers map[string]func(ProviderEntry) (vad.Classifier, error)
	sources     map[string]SourceFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		backends:    make(map[string]func(ProviderEntry) (stt.Backend, error)),
		classifiers: make(map[string]func(ProviderEntry) (vad.Classifier, error)),
		sources:     make(map[string]SourceFactory),
	}
}

// RegisterBackend registers a transcription backend factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterBackend(name string, factory func(ProviderEntry) (stt.Backend, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[name] = factory
}

// RegisterClassifier registers a voice activity classifier factory under name.
func (r *Registry) RegisterClassifier(name string, factory func(ProviderEntry) (vad.Classifier, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.classifiers[name] = factory
}

// RegisterSource registers an audio source factory under name.
func (r *Registry) RegisterSource(name string, factory SourceFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[name] = factory
}

// CreateBackend instantiates a backend using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateBackend(entry ProviderEntry) (stt.Backend, error) {
	r.mu.RLock()
	factory, ok := r.backends[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: stt/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateClassifier instantiates a classifier using the factory registered under entry.Name.
func (r *Registry) CreateClassifier(entry ProviderEntry) (vad.Classifier, error) {
	r.mu.RLock()
	factory, ok := r.classifiers[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: vad/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateSource instantiates an audio source using the factory registered under entry.Name.
func (r *Registry) CreateSource(entry ProviderEntry, a AudioConfig) (audio.Source, error) {
	r.mu.RLock()
	factory, ok := r.sources[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: source/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry, a)
}

// Names returns the registered provider names of kind ("stt", "vad" or
// "source") in sorted order.
func (r *Registry) Names(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	switch kind {
	case "stt":
		for n := range r.backends {
			names = append(names, n)
		}
	case "vad":
		for n := range r.classifiers {
			names = append(names, n)
		}
	case "source":
		for n := range r.sources {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names
}

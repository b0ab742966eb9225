package routine

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Creator builds a routine from its configuration.
type Creator func(cfg Config, logger *zap.Logger) (Routine, error)

// Factory is a thread-safe registry of routine creators keyed by type.
type Factory struct {
	creators map[string]Creator
	logger   *zap.Logger
	mu       sync.RWMutex
}

// NewFactory creates an empty factory. Created routines get children of logger.
func NewFactory(logger *zap.Logger) *Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{
		creators: make(map[string]Creator),
		logger:   logger,
	}
}

// Register registers a creator for a routine type.
// If a creator already exists for the type, it will be overwritten.
func (f *Factory) Register(routineType string, creator Creator) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creators[routineType] = creator
}

// Create normalizes and validates cfg, then builds the routine.
// Returns ErrUnknownRoutineType if no creator is registered for cfg.Type.
func (f *Factory) Create(cfg Config) (Routine, error) {
	cfg = cfg.Normalized()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	f.mu.RLock()
	creator, exists := f.creators[cfg.Type]
	f.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRoutineType, cfg.Type)
	}

	r, err := creator(cfg, f.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create routine %s (%s): %w", cfg.Name, cfg.Type, err)
	}
	return r, nil
}

// CreateAll builds every configuration in order.
func (f *Factory) CreateAll(cfgs []Config) ([]Routine, error) {
	routines := make([]Routine, 0, len(cfgs))
	for i, cfg := range cfgs {
		r, err := f.Create(cfg)
		if err != nil {
			return nil, fmt.Errorf("routine #%d: %w", i, err)
		}
		routines = append(routines, r)
	}
	return routines, nil
}

// HasCreator checks if a creator exists for a routine type.
func (f *Factory) HasCreator(routineType string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, exists := f.creators[routineType]
	return exists
}

// RegisteredTypes returns all registered routine types, sorted.
func (f *Factory) RegisteredTypes() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	types := make([]string, 0, len(f.creators))
	for t := range f.creators {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Unregister removes a creator for a routine type.
// Returns true if a creator was removed, false if none existed.
func (f *Factory) Unregister(routineType string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.creators[routineType]; exists {
		delete(f.creators, routineType)
		return true
	}
	return false
}

// Count returns the number of registered creators.
func (f *Factory) Count() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.creators)
}

// Package store provides the keyed container routines use to hand data to
// each other while a single TOD is being processed.
//
// A Store is created fresh for every TOD and dropped once the last routine
// has executed against it, so nothing leaks from one TOD to the next. Values
// are untyped; use GetAs for a checked typed read.
//
// A Store is not safe for concurrent use. Each TOD pass owns exactly one.
package store

import (
	"fmt"
	"sort"
)

// Key names a slot in the store. Routine packages declare their keys as
// constants so that misspellings fail at compile time.
type Key string

// String returns the key as a plain string.
func (k Key) String() string {
	return string(k)
}

// Store maps keys to arbitrary values for one TOD pass.
type Store struct {
	values map[Key]any
}

// New creates an empty store.
func New() *Store {
	return &Store{
		values: make(map[Key]any),
	}
}

// Get returns the value stored under key.
// Returns a *KeyNotFoundError if the key was never written.
func (s *Store) Get(key Key) (any, error) {
	v, ok := s.values[key]
	if !ok {
		return nil, &KeyNotFoundError{Key: key}
	}
	return v, nil
}

// Set stores value under key, replacing any previous value.
func (s *Store) Set(key Key, value any) {
	s.values[key] = value
}

// Has checks if a value exists for key.
func (s *Store) Has(key Key) bool {
	_, ok := s.values[key]
	return ok
}

// Delete removes key from the store. Deleting an absent key is a no-op.
func (s *Store) Delete(key Key) {
	delete(s.values, key)
}

// Len returns the number of stored keys.
func (s *Store) Len() int {
	return len(s.values)
}

// Keys returns all stored keys in lexical order.
func (s *Store) Keys() []Key {
	keys := make([]Key, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Snapshot returns a shallow copy of the stored values.
func (s *Store) Snapshot() map[Key]any {
	out := make(map[Key]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// GetAs returns the value stored under key converted to T.
// Returns a *KeyNotFoundError for absent keys and a *TypeMismatchError when
// the stored value is not a T.
func GetAs[T any](s *Store, key Key) (T, error) {
	var zero T
	v, err := s.Get(key)
	if err != nil {
		return zero, err
	}
	typed, ok := v.(T)
	if !ok {
		return zero, &TypeMismatchError{
			Key:  key,
			Want: fmt.Sprintf("%T", zero),
			Got:  fmt.Sprintf("%T", v),
		}
	}
	return typed, nil
}

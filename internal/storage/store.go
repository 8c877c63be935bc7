// Package storage is the key-value persistence collaborator used to remember
// the protocol id, preferences and pending voice artifacts across restarts.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Well-known keys.
const (
	KeyProtocol       = "protocoloChat"
	KeyPreferences    = "chat:lisiConfig"
	KeyVoiceArtifacts = "chat:voiceMsgs"
	KeyResetMarker    = "resetPage"
)

// ErrClosed is returned by stores used after Close.
var ErrClosed = errors.New("storage: store closed")

// Store is a string key-value store.
type Store interface {
	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	// Clear removes every key owned by the store.
	Clear(ctx context.Context) error
}

// GetJSON decodes the value at key into v. It reports false when the key is
// missing.
func GetJSON(ctx context.Context, s Store, key string, v any) (bool, error) {
	raw, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return false, fmt.Errorf("storage: decode %s: %w", key, err)
	}
	return true, nil
}

// SetJSON encodes v and stores it at key.
func SetJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("storage: encode %s: %w", key, err)
	}
	return s.Set(ctx, key, string(data))
}

// Protocol returns the persisted protocol id, or "" when none is stored.
func Protocol(ctx context.Context, s Store) (string, error) {
	v, _, err := s.Get(ctx, KeyProtocol)
	return v, err
}

func SetProtocol(ctx context.Context, s Store, protocol string) error {
	if protocol == "" {
		return s.Delete(ctx, KeyProtocol)
	}
	return s.Set(ctx, KeyProtocol, protocol)
}

// MarkReset sets the reset marker consumed by the next user action.
func MarkReset(ctx context.Context, s Store) error {
	return s.Set(ctx, KeyResetMarker, "true")
}

// TakeReset reports whether the reset marker is set and removes it.
func TakeReset(ctx context.Context, s Store) (bool, error) {
	v, ok, err := s.Get(ctx, KeyResetMarker)
	if err != nil || !ok {
		return false, err
	}
	if err := s.Delete(ctx, KeyResetMarker); err != nil {
		return false, err
	}
	return v == "true", nil
}

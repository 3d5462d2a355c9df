// Package repository holds the durable key/value backends the session
// layer persists into. Every backend applies SetMany and multi-key Remove
// atomically, and GetMany reads its keys from a single point in time, so
// a batch written by one process is never read back half old, half new.
package repository

import "context"

type KV interface {
	// Get returns the value stored under key and whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)
	// GetMany returns the keys that exist, read as one snapshot. Missing
	// keys are absent from the result.
	GetMany(ctx context.Context, keys ...string) (map[string]string, error)
	Set(ctx context.Context, key, value string) error
	// SetMany writes every entry or none of them.
	SetMany(ctx context.Context, values map[string]string) error
	// Remove deletes the keys; missing keys are not an error.
	Remove(ctx context.Context, keys ...string) error
}

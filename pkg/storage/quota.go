package storage

import (
	"context"
	"fmt"
)

// Limited wraps a Store and rejects writes that would push it past quota
// bytes. The check is approximate: concurrent writers may overshoot.
type Limited struct {
	Store
	quota int64
}

// NewLimited returns s bounded to quota bytes. A quota <= 0 disables the check.
func NewLimited(s Store, quota int64) *Limited {
	return &Limited{Store: s, quota: quota}
}

// Quota returns the configured limit in bytes.
func (l *Limited) Quota() int64 {
	return l.quota
}

func (l *Limited) Set(ctx context.Context, items map[string][]byte) error {
	if l.quota <= 0 {
		return l.Store.Set(ctx, items)
	}

	keys := make([]string, 0, len(items))
	var incoming int64
	for k, v := range items {
		keys = append(keys, k)
		incoming += int64(len(k) + len(v))
	}

	used, err := l.Store.BytesInUse(ctx)
	if err != nil {
		return err
	}
	existing, err := l.Store.Get(ctx, keys...)
	if err != nil {
		return err
	}
	var replaced int64
	for k, v := range existing {
		replaced += int64(len(k) + len(v))
	}

	if used-replaced+incoming > l.quota {
		return fmt.Errorf("write of %d bytes with %d in use: %w", incoming, used, ErrQuotaExceeded)
	}
	return l.Store.Set(ctx, items)
}

// Package labels implements the labels/localization store (spec.md
// §6, SPEC_FULL §4.12): a thin broker-backed lookup that renders
// human-facing exception messages in a requested locale instead of a
// hardcoded English string. A miss at any level falls back to the
// caller-supplied default rather than failing.
//
// Called by: internal/executor, internal/trace
// Calls: internal/broker
package labels

import (
	"context"
	"fmt"

	"github.com/tenzoki/svcbus/internal/broker"
)

// Store looks up locale-specific labels in a broker-backed hash keyed
// <prefix>labels:<locale>, field = label key.
type Store struct {
	br        broker.Broker
	keyPrefix string
	locale    string
}

// New builds a Store. locale is the default locale used by Lookup;
// LookupLocale lets a caller request a different one per call.
func New(br broker.Broker, keyPrefix, locale string) *Store {
	return &Store{br: br, keyPrefix: keyPrefix, locale: locale}
}

// Lookup resolves key in the store's default locale, falling back to
// fallback when the store has no entry or the broker call fails.
func (s *Store) Lookup(ctx context.Context, key, fallback string) string {
	return s.LookupLocale(ctx, s.locale, key, fallback)
}

// LookupLocale resolves key in locale, falling back to fallback on any
// miss or broker error.
func (s *Store) LookupLocale(ctx context.Context, locale, key, fallback string) string {
	if locale == "" || key == "" {
		return fallback
	}

	hashKey := fmt.Sprintf("%slabels:%s", s.keyPrefix, locale)
	value, ok, err := s.br.HashGet(ctx, hashKey, key)
	if err != nil || !ok {
		return fallback
	}
	return string(value)
}

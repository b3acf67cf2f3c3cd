// Package persist stores rule descriptors durably. Two backends are
// provided: one JSON file per rule in a directory, and a single SQLite
// database. Both speak descriptor JSON through the rule codec.
package persist

import (
	"context"
	"errors"
	"fmt"

	"github.com/ottohome/ottoengine/internal/rule"
)

// ErrNotFound reports a rule id with no stored descriptor.
var ErrNotFound = errors.New("rule not found")

// Store is the persistence contract. Implementations must tolerate
// concurrent calls.
type Store interface {
	// ListRules loads every stored rule. Entries that fail to parse
	// are logged and skipped; one bad descriptor never hides the rest.
	ListRules(ctx context.Context) ([]*rule.AutomationRule, error)

	// LoadRule loads one rule by id. Returns ErrNotFound if absent.
	LoadRule(ctx context.Context, id string) (*rule.AutomationRule, error)

	// SaveRule writes a rule's descriptor, replacing any previous one.
	SaveRule(ctx context.Context, r *rule.AutomationRule) error

	// DeleteRule removes a rule's descriptor. The bool reports whether
	// a descriptor existed.
	DeleteRule(ctx context.Context, id string) (bool, error)
}

func notFound(id string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

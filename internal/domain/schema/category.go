// Package schema defines the subject, order and status payloads exchanged with the remote authority.
package schema

import (
	"strings"

	"github.com/coachpo/synctrack/errs"
)

// Category identifies a synchronization stream for a subject.
type Category string

const (
	// CategoryAccountUpdate covers account-level profile fields.
	CategoryAccountUpdate Category = "ACCOUNT_UPDATE"
	// CategorySecondaryContactUpdate covers secondary contacts and SSN.
	CategorySecondaryContactUpdate Category = "SECONDARY_CONTACT_UPDATE"
	// CategoryTestSubjectUpdate covers the test-subject flag.
	CategoryTestSubjectUpdate Category = "TEST_SUBJECT_UPDATE"
	// CategoryOrderStatusUpdate covers kit order status messages.
	CategoryOrderStatusUpdate Category = "ORDER_STATUS_UPDATE"
)

var knownCategories = map[Category]struct{}{
	CategoryAccountUpdate:          {},
	CategorySecondaryContactUpdate: {},
	CategoryTestSubjectUpdate:      {},
	CategoryOrderStatusUpdate:      {},
}

// NormalizeCategory trims and uppercases the category name.
func NormalizeCategory(c Category) Category {
	return Category(strings.ToUpper(strings.TrimSpace(string(c))))
}

// orderScopeSeparator joins the order status category and an identifier type.
const orderScopeSeparator = "."

// OrderStatusRetryCategory scopes order status retries to one identifier type,
// so each tracked identifier of an order keeps its own queued update.
func OrderStatusRetryCategory(t IdentifierType) Category {
	return CategoryOrderStatusUpdate + orderScopeSeparator + Category(t)
}

// OrderScope returns the identifier type of a scoped order status category.
func (c Category) OrderScope() (IdentifierType, bool) {
	rest, ok := strings.CutPrefix(string(c), string(CategoryOrderStatusUpdate)+orderScopeSeparator)
	if !ok {
		return "", false
	}
	t := IdentifierType(rest)
	return t, t.Valid()
}

// Validate ensures the category is one of the known streams or an
// identifier-scoped order status stream.
func (c Category) Validate() error {
	if c == "" {
		return errs.New("schema/category", errs.CodeInvalid, errs.WithMessage("category required"))
	}
	if _, ok := c.OrderScope(); ok {
		return nil
	}
	if _, ok := knownCategories[c]; !ok {
		return errs.New("schema/category", errs.CodeInvalid, errs.WithMessage("unknown category"), errs.WithField("category", string(c)))
	}
	return nil
}

// Categories returns all known categories in a stable order.
func Categories() []Category {
	return []Category{
		CategoryAccountUpdate,
		CategorySecondaryContactUpdate,
		CategoryTestSubjectUpdate,
		CategoryOrderStatusUpdate,
	}
}

// RetryCategories returns every category a retry entry can be keyed by.
func RetryCategories() []Category {
	out := []Category{CategoryAccountUpdate, CategorySecondaryContactUpdate, CategoryTestSubjectUpdate}
	for _, t := range IdentifierTypes() {
		out = append(out, OrderStatusRetryCategory(t))
	}
	return out
}

// Package detect computes whether an inbound subject event differs from the
// last snapshot synced for its category. Every function is pure.
package detect

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/coachpo/synctrack/internal/domain/schema"
)

// Token names a fine-grained change reported by SecondaryChanges.
type Token string

const (
	TokenContactOne Token = Token(schema.ContactOne)
	TokenContactTwo Token = Token(schema.ContactTwo)
	TokenSSN        Token = "SSN"
)

// ChangeSet is the set of changed tokens. An empty set means no relevant change.
type ChangeSet = mapset.Set[Token]

// NewChangeSet returns a set holding tokens.
func NewChangeSet(tokens ...Token) ChangeSet {
	return mapset.NewThreadUnsafeSet(tokens...)
}

// SlotToken maps a contact slot to its change token.
func SlotToken(slot schema.ContactSlot) Token {
	return Token(slot)
}

// AccountChanged reports whether any account-level field differs. The comparison
// is coarse: one differing field marks the whole category changed. A nil snapshot
// always counts as changed.
func AccountChanged(event, snapshot *schema.AccountPayload) bool {
	if snapshot == nil {
		return true
	}
	if event == nil {
		return false
	}
	if !sameChannel(event.VerifiedEmail())(snapshot.VerifiedEmail()) {
		return true
	}
	if !sameChannel(event.VerifiedPhone())(snapshot.VerifiedPhone()) {
		return true
	}
	ea, eok := event.AccountAddress()
	sa, sok := snapshot.AccountAddress()
	if eok != sok || !sameAddress(&ea, &sa) {
		return true
	}
	return !sameText(event.FirstName, snapshot.FirstName) ||
		!sameText(event.MiddleName, snapshot.MiddleName) ||
		!sameText(event.LastName, snapshot.LastName) ||
		strings.TrimSpace(event.DateOfBirth) != strings.TrimSpace(snapshot.DateOfBirth)
}

// SecondaryChanges compares both contact slots field by field and the SSN.
// currentSSN is the freshly fetched value and is only consulted when the event
// signals an SSN on file. A nil snapshot marks both slots changed, plus SSN when present.
func SecondaryChanges(event, snapshot *schema.AccountPayload, currentSSN string) ChangeSet {
	changes := NewChangeSet()
	if event == nil {
		return changes
	}
	if snapshot == nil {
		for _, slot := range schema.ContactSlots() {
			changes.Add(SlotToken(slot))
		}
		if event.HasSSN {
			changes.Add(TokenSSN)
		}
		return changes
	}
	for _, slot := range schema.ContactSlots() {
		ec, eok := event.Slot(slot)
		sc, sok := snapshot.Slot(slot)
		if eok != sok || !sameContact(ec, sc) {
			changes.Add(SlotToken(slot))
		}
	}
	switch {
	case event.HasSSN && (!snapshot.HasSSN || SSNFingerprint(currentSSN) != snapshot.SSN):
		changes.Add(TokenSSN)
	case !event.HasSSN && snapshot.HasSSN:
		changes.Add(TokenSSN)
	}
	return changes
}

// SecondarySnapshot returns the payload to persist after a successful secondary
// sync. The raw SSN is replaced by its fingerprint.
func SecondarySnapshot(event schema.AccountPayload, currentSSN string) schema.AccountPayload {
	out := event
	out.SSN = ""
	if event.HasSSN {
		out.SSN = SSNFingerprint(currentSSN)
	}
	return out
}

// SSNFingerprint hashes a normalized SSN so snapshots never hold the raw value.
func SSNFingerprint(ssn string) string {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, ssn)
	if digits == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(digits))
	return hex.EncodeToString(sum[:])
}

// FlagChanged compares a boolean flag. No snapshot means changed; nil equals nil.
func FlagChanged(event, snapshot *bool, snapshotExists bool) bool {
	if !snapshotExists {
		return true
	}
	switch {
	case event == nil && snapshot == nil:
		return false
	case event == nil || snapshot == nil:
		return true
	default:
		return *event != *snapshot
	}
}

// sameChannel folds case, which only matters for email addresses.
func sameChannel(a string, aok bool) func(string, bool) bool {
	return func(b string, bok bool) bool {
		return aok == bok && strings.EqualFold(a, b)
	}
}

// sameText ignores surrounding whitespace only; a case change is a change.
func sameText(a, b string) bool {
	return strings.TrimSpace(a) == strings.TrimSpace(b)
}

func sameAddress(a, b *schema.Address) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return sameText(a.Line1, b.Line1) &&
		sameText(a.Line2, b.Line2) &&
		sameText(a.City, b.City) &&
		sameText(a.State, b.State) &&
		sameText(a.PostalCode, b.PostalCode) &&
		sameText(a.Country, b.Country)
}

func sameContact(a, b schema.SecondaryContact) bool {
	if !sameText(a.FirstName, b.FirstName) || !sameText(a.LastName, b.LastName) {
		return false
	}
	if !sameAddress(a.Address, b.Address) {
		return false
	}
	for _, typ := range []schema.ChannelType{schema.ChannelPhone, schema.ChannelEmail} {
		if !sameChannel(schema.VerifiedChannel(a.Channels, typ))(schema.VerifiedChannel(b.Channels, typ)) {
			return false
		}
	}
	return sameText(a.Relationship, b.Relationship) && sameText(a.Preference, b.Preference)
}

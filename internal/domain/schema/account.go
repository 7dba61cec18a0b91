package schema

import "strings"

// ChannelType distinguishes contact channels.
type ChannelType string

const (
	// ChannelEmail is an email address channel.
	ChannelEmail ChannelType = "EMAIL"
	// ChannelPhone is a phone number channel.
	ChannelPhone ChannelType = "PHONE"
)

// AddressTypeAccount marks the canonical postal address of an account.
const AddressTypeAccount = "account"

// ContactChannel is one email or phone entry on a profile.
type ContactChannel struct {
	Type     ChannelType `json:"type"`
	Value    string      `json:"value"`
	Verified bool        `json:"verified"`
}

// Address is a postal address attached to a profile or contact.
type Address struct {
	Type       string `json:"type,omitempty"`
	Line1      string `json:"line1,omitempty"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postalCode,omitempty"`
	Country    string `json:"country,omitempty"`
}

// ContactSlot names one of the two secondary contact positions.
type ContactSlot string

const (
	// ContactOne is the first secondary contact slot.
	ContactOne ContactSlot = "CONTACT_ONE"
	// ContactTwo is the second secondary contact slot.
	ContactTwo ContactSlot = "CONTACT_TWO"
)

// ContactSlots lists the slots in sync order.
func ContactSlots() []ContactSlot {
	return []ContactSlot{ContactOne, ContactTwo}
}

// SecondaryContact is a person the subject designated as a secondary contact.
type SecondaryContact struct {
	FirstName    string           `json:"firstName,omitempty"`
	LastName     string           `json:"lastName,omitempty"`
	Address      *Address         `json:"address,omitempty"`
	Channels     []ContactChannel `json:"channels,omitempty"`
	Relationship string           `json:"relationship,omitempty"`
	Preference   string           `json:"preference,omitempty"`
}

// AccountPayload is the synced representation of a subject's profile.
type AccountPayload struct {
	SubjectID   int64                            `json:"subjectId"`
	FirstName   string                           `json:"firstName,omitempty"`
	MiddleName  string                           `json:"middleName,omitempty"`
	LastName    string                           `json:"lastName,omitempty"`
	DateOfBirth string                           `json:"dateOfBirth,omitempty"`
	Channels    []ContactChannel                 `json:"channels,omitempty"`
	Addresses   []Address                        `json:"addresses,omitempty"`
	Secondary   map[ContactSlot]SecondaryContact `json:"secondary,omitempty"`
	SSN         string                           `json:"ssn,omitempty"`
	HasSSN      bool                             `json:"hasSsn,omitempty"`
	TestSubject *bool                            `json:"testSubject,omitempty"`
}

// VerifiedChannel returns the first verified value of the given type.
func VerifiedChannel(channels []ContactChannel, typ ChannelType) (string, bool) {
	for _, ch := range channels {
		if ch.Type == typ && ch.Verified {
			return strings.TrimSpace(ch.Value), true
		}
	}
	return "", false
}

// VerifiedEmail returns the verified email of the account.
func (p *AccountPayload) VerifiedEmail() (string, bool) {
	if p == nil {
		return "", false
	}
	return VerifiedChannel(p.Channels, ChannelEmail)
}

// VerifiedPhone returns the verified phone of the account.
func (p *AccountPayload) VerifiedPhone() (string, bool) {
	if p == nil {
		return "", false
	}
	return VerifiedChannel(p.Channels, ChannelPhone)
}

// AccountAddress returns the canonical postal address, selected by type.
func (p *AccountPayload) AccountAddress() (Address, bool) {
	if p == nil {
		return Address{}, false
	}
	for _, addr := range p.Addresses {
		if strings.EqualFold(strings.TrimSpace(addr.Type), AddressTypeAccount) {
			return addr, true
		}
	}
	return Address{}, false
}

// Slot returns the secondary contact stored under slot.
func (p *AccountPayload) Slot(slot ContactSlot) (SecondaryContact, bool) {
	if p == nil || p.Secondary == nil {
		return SecondaryContact{}, false
	}
	c, ok := p.Secondary[slot]
	return c, ok
}

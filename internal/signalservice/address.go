package signalservice

import (
	"github.com/google/uuid"
)

// Address identifies a remote account by UUID, E164 number, or both.
type Address struct {
	UUID *uuid.UUID
	E164 string
}

// NewAddress builds an address from wire fields. An unparseable uuid is
// treated as absent. It returns nil if neither identifier is usable.
func NewAddress(rawUUID, e164 string) *Address {
	var id *uuid.UUID
	if rawUUID != "" {
		if u, err := uuid.Parse(rawUUID); err == nil {
			id = &u
		}
	}
	if id == nil && e164 == "" {
		return nil
	}
	return &Address{UUID: id, E164: e164}
}

// AddressFromUUID returns an address with only a UUID.
func AddressFromUUID(u uuid.UUID) *Address {
	return &Address{UUID: &u}
}

// HasUUID reports whether the address carries a stable UUID identity.
func (a *Address) HasUUID() bool {
	return a != nil && a.UUID != nil
}

// Identifier returns the UUID string if present, else the E164.
func (a *Address) Identifier() string {
	if a == nil {
		return ""
	}
	if a.UUID != nil {
		return a.UUID.String()
	}
	return a.E164
}

func (a *Address) String() string {
	if a == nil {
		return "<nil>"
	}
	if a.UUID != nil && a.E164 != "" {
		return a.UUID.String() + " (" + a.E164 + ")"
	}
	return a.Identifier()
}

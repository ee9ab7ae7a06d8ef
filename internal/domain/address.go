package domain

import (
	"fmt"
	"net/mail"
	"strings"
)

// Address is copied by value into an order; later edits to the customer's
// address book never affect placed orders.
type Address struct {
	Street     string `json:"street"`
	City       string `json:"city"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

// Validate checks the address is complete enough to ship to. State is optional.
func (a Address) Validate() error {
	verr := &ValidationError{}
	for _, f := range []struct{ name, value string }{
		{"street", a.Street},
		{"city", a.City},
		{"postal_code", a.PostalCode},
		{"country", a.Country},
	} {
		if strings.TrimSpace(f.value) == "" {
			verr.Add("shipping_address."+f.name, "is required")
		}
	}
	if err := verr.OrNil(); err != nil {
		return fmt.Errorf("%w: %w", ErrAddressIncomplete, err)
	}
	return nil
}

type StoredAddress struct {
	ID        int64
	UserID    int64
	IsDefault bool
	Address
}

// Identity is the authenticated caller as supplied by the upstream gateway.
type Identity struct {
	UserID int64
	Email  string
}

func (i Identity) Validate() error {
	if i.UserID <= 0 {
		return NewValidationError("user_id", "authenticated user is required")
	}
	return nil
}

type GuestCustomer struct {
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

func (g GuestCustomer) Validate() error {
	verr := &ValidationError{}
	if strings.TrimSpace(g.Email) == "" {
		verr.Add("guest.email", "is required")
	} else if _, err := mail.ParseAddress(g.Email); err != nil {
		verr.Add("guest.email", "is not a valid email address")
	}
	if strings.TrimSpace(g.FirstName) == "" {
		verr.Add("guest.first_name", "is required")
	}
	if strings.TrimSpace(g.LastName) == "" {
		verr.Add("guest.last_name", "is required")
	}
	return verr.OrNil()
}

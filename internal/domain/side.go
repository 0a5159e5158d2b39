package domain

import (
	"fmt"
	"strings"
)

// Side is the directional outcome (UP or DOWN) a position bets on.
type Side string

const (
	SideUp   Side = "UP"
	SideDown Side = "DOWN"
)

// Sides lists both tradable sides in display order.
var Sides = []Side{SideUp, SideDown}

// Valid reports whether s is one of the known sides.
func (s Side) Valid() bool {
	return s == SideUp || s == SideDown
}

// ParseSide accepts "up"/"down" in any case.
func ParseSide(v string) (Side, error) {
	s := Side(strings.ToUpper(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("%w: unknown side %q", ErrInvalidCommand, v)
	}
	return s, nil
}

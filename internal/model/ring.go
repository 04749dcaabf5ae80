package model

import "fmt"

// Ring represents a deployment ring for progressive rollout
type Ring string

const (
	RingCanary     Ring = "canary"
	RingDev        Ring = "dev"
	RingStage      Ring = "stage"
	RingProd       Ring = "prod"
	RingUnassigned Ring = "unassigned"
)

// Rings returns the assignable rings in rollout order.
func Rings() []Ring {
	return []Ring{RingCanary, RingDev, RingStage, RingProd}
}

// ParseRing converts a string into a known assignable ring.
func ParseRing(s string) (Ring, error) {
	switch Ring(s) {
	case RingCanary, RingDev, RingStage, RingProd:
		return Ring(s), nil
	}
	return RingUnassigned, fmt.Errorf("unknown ring %q", s)
}

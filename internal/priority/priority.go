// Package priority defines the clinical urgency policy table.
//
// The mapping between symbolic urgency labels and integer queue weights is
// closed and bidirectional. There is deliberately no default priority: a
// producer that cannot name the urgency of clinical work must not enqueue it.
package priority

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownLabel  = errors.New("unknown priority label")
	ErrUnknownWeight = errors.New("unknown priority weight")
)

const (
	Critical   = 100
	Urgent     = 75
	High       = 50
	Medium     = 25
	Low        = 10
	Background = 1
)

var weightByLabel = map[string]int{
	"CRITICAL":   Critical,
	"URGENT":     Urgent,
	"HIGH":       High,
	"MEDIUM":     Medium,
	"LOW":        Low,
	"BACKGROUND": Background,
}

var labelByWeight = map[int]string{
	Critical:   "CRITICAL",
	Urgent:     "URGENT",
	High:       "HIGH",
	Medium:     "MEDIUM",
	Low:        "LOW",
	Background: "BACKGROUND",
}

// Weight resolves a symbolic label to its queue weight.
func Weight(label string) (int, error) {
	w, ok := weightByLabel[label]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownLabel, label)
	}
	return w, nil
}

// Label resolves a queue weight back to its symbolic label.
func Label(weight int) (string, error) {
	l, ok := labelByWeight[weight]
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrUnknownWeight, weight)
	}
	return l, nil
}

// Labels returns all known labels ordered by descending weight.
func Labels() []string {
	return []string{"CRITICAL", "URGENT", "HIGH", "MEDIUM", "LOW", "BACKGROUND"}
}

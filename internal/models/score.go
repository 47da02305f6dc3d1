package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Score is an optional risk value. An absent score means the domain could not contribute and
// must never be read as zero.
type Score struct {
	value   float64
	present bool
}

// SomeScore wraps a present score.
func SomeScore(v float64) Score { return Score{value: v, present: true} }

// NoScore returns an absent score.
func NoScore() Score { return Score{} }

// Get returns the value and whether it is present.
func (s Score) Get() (float64, bool) { return s.value, s.present }

// Present reports whether the score carries a value.
func (s Score) Present() bool { return s.present }

// ValueOr returns the value or fallback when absent.
func (s Score) ValueOr(fallback float64) float64 {
	if !s.present {
		return fallback
	}
	return s.value
}

func (s Score) String() string {
	if !s.present {
		return "absent"
	}
	return fmt.Sprintf("%.4f", s.value)
}

// MarshalJSON encodes absent scores as null.
func (s Score) MarshalJSON() ([]byte, error) {
	if !s.present {
		return []byte("null"), nil
	}
	return json.Marshal(s.value)
}

// UnmarshalJSON decodes null as absent.
func (s *Score) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*s = NoScore()
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*s = SomeScore(v)
	return nil
}

package policy

import (
	"errors"
	"fmt"
	"strings"
)

// Mode indicates whether a policy domain fails open or closed when a guard
// cannot reach a decision.
type Mode string

const (
	// ModeFailClosed denies intents when the guard errors.
	ModeFailClosed Mode = "fail-closed"
	// ModeFailOpen admits intents when the guard errors.
	ModeFailOpen Mode = "fail-open"
)

// PostureSet stores a default posture with optional overrides per policy domain.
type PostureSet struct {
	def       Mode
	overrides map[string]Mode
}

// DefaultPostureSet fails open everywhere.
func DefaultPostureSet() PostureSet {
	return PostureSet{def: ModeFailOpen, overrides: map[string]Mode{}}
}

// Clone provides a deep copy of the set so callers can mutate safely.
func (s PostureSet) Clone() PostureSet {
	clone := PostureSet{def: s.def, overrides: make(map[string]Mode, len(s.overrides))}
	for domain, mode := range s.overrides {
		clone.overrides[domain] = mode
	}
	return clone
}

// Mode returns the effective posture for the specified domain.
func (s PostureSet) Mode(domain string) Mode {
	if override, ok := s.overrides[strings.ToLower(domain)]; ok {
		return override
	}
	if s.def == "" {
		return ModeFailOpen
	}
	return s.def
}

// SetDefault changes the posture used for domains without an override.
func (s *PostureSet) SetDefault(mode Mode) error {
	if !mode.IsValid() {
		return fmt.Errorf("policy: invalid failure posture mode %q", mode)
	}
	s.def = mode
	return nil
}

// ApplyOverrideStrings parses and applies overrides provided as raw strings.
func (s *PostureSet) ApplyOverrideStrings(overrides map[string]string) error {
	if s.overrides == nil {
		s.overrides = make(map[string]Mode)
	}
	for domainStr, modeStr := range overrides {
		domain := strings.TrimSpace(strings.ToLower(domainStr))
		if domain == "" {
			return errors.New("policy: failure posture domain is required")
		}
		mode, err := ParseMode(modeStr)
		if err != nil {
			return fmt.Errorf("policy: domain %s: %w", domainStr, err)
		}
		s.overrides[domain] = mode
	}
	return nil
}

// ParseMode converts a textual representation into a Mode constant.
func ParseMode(value string) (Mode, error) {
	mode := Mode(strings.TrimSpace(strings.ToLower(value)))
	if mode == "" {
		return "", errors.New("mode is required")
	}
	if !mode.IsValid() {
		return "", fmt.Errorf("invalid mode %q", value)
	}
	return mode, nil
}

// IsValid reports whether the mode is recognised.
func (m Mode) IsValid() bool {
	switch m {
	case ModeFailClosed, ModeFailOpen:
		return true
	default:
		return false
	}
}

// Package version implements protocol version negotiation. A client version is compatible when it parses as a semantic
// version and is present in the server's supported set; everything else yields a reason describing how it diverges.
package version

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Reason describes the outcome of a compatibility check.
type Reason string

const (
	ReasonMatch           Reason = "match"
	ReasonBehindSupported Reason = "behind-supported"
	ReasonAheadSupported  Reason = "ahead-supported"
	ReasonMismatch        Reason = "mismatch"
	ReasonBehind          Reason = "behind"
	ReasonAhead           Reason = "ahead"
	ReasonMissing         Reason = "missing"
	ReasonInvalid         Reason = "invalid"
)

// Semver is a parsed major.minor.patch version with an optional pre-release tag.
type Semver struct {
	Major, Minor, Patch int
	Pre                 string
}

// Parse parses "major.minor.patch" with an optional "-pre" suffix. Build metadata is not supported.
func Parse(s string) (Semver, error) {
	var v Semver
	core := s
	if idx := strings.IndexByte(s, '-'); idx >= 0 {
		core = s[:idx]
		v.Pre = s[idx+1:]
		if v.Pre == "" {
			return Semver{}, fmt.Errorf("parse version %q: empty pre-release", s)
		}
	}

	parts := strings.Split(core, ".")
	if len(parts) != 3 {
		return Semver{}, fmt.Errorf("parse version %q: expected major.minor.patch", s)
	}
	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || (len(p) > 1 && p[0] == '0') {
			return Semver{}, fmt.Errorf("parse version %q: invalid component %q", s, p)
		}
		nums[i] = n
	}
	v.Major, v.Minor, v.Patch = nums[0], nums[1], nums[2]
	return v, nil
}

// Compare returns -1, 0, or 1. A release (no pre-release tag) ranks higher than any pre-release of the same core
// version; pre-release tags compare lexicographically.
func Compare(a, b Semver) int {
	if c := cmpInt(a.Major, b.Major); c != 0 {
		return c
	}
	if c := cmpInt(a.Minor, b.Minor); c != 0 {
		return c
	}
	if c := cmpInt(a.Patch, b.Patch); c != 0 {
		return c
	}
	switch {
	case a.Pre == b.Pre:
		return 0
	case a.Pre == "":
		return 1
	case b.Pre == "":
		return -1
	case a.Pre < b.Pre:
		return -1
	default:
		return 1
	}
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Result is the outcome of a compatibility check.
type Result struct {
	Compatible bool   `json:"compatible"`
	Reason     Reason `json:"reason"`
	Expected   string `json:"expected"`
	Received   string `json:"received"`
	Message    string `json:"message"`
}

// Service reports the server protocol version and checks client versions against the supported set.
type Service struct {
	current   string
	currentSV Semver
	supported map[string]struct{}
	protocol  string
	updatedAt time.Time
}

// NewService creates a version service. The current version is always part of the supported set. Returns an error if
// the current or any supported version does not parse, since that is a deployment configuration error.
func NewService(current string, alsoSupported []string, protocol string) (*Service, error) {
	sv, err := Parse(current)
	if err != nil {
		return nil, fmt.Errorf("current version: %w", err)
	}
	s := &Service{
		current:   current,
		currentSV: sv,
		supported: map[string]struct{}{current: {}},
		protocol:  protocol,
		updatedAt: time.Now().UTC(),
	}
	for _, v := range alsoSupported {
		if _, err := Parse(v); err != nil {
			return nil, fmt.Errorf("supported version: %w", err)
		}
		s.supported[v] = struct{}{}
	}
	return s, nil
}

// Current returns the server's protocol version string.
func (s *Service) Current() string { return s.current }

// Protocol returns the protocol name tag.
func (s *Service) Protocol() string { return s.protocol }

// UpdatedAt returns when the supported set was configured, which is process start.
func (s *Service) UpdatedAt() time.Time { return s.updatedAt }

// Supported returns the full supported set, current version first.
func (s *Service) Supported() []string {
	out := []string{s.current}
	for v := range s.supported {
		if v != s.current {
			out = append(out, v)
		}
	}
	return out
}

// Check evaluates a client version against the supported set.
func (s *Service) Check(clientVersion string) Result {
	res := Result{Expected: s.current, Received: clientVersion}

	if clientVersion == "" {
		res.Reason = ReasonMissing
		res.Message = "client version is required"
		return res
	}

	cv, err := Parse(clientVersion)
	if err != nil {
		res.Reason = ReasonInvalid
		res.Message = fmt.Sprintf("client version %q is not a valid semantic version", clientVersion)
		return res
	}

	cmp := Compare(cv, s.currentSV)
	if _, ok := s.supported[clientVersion]; ok {
		res.Compatible = true
		switch {
		case cmp == 0 && clientVersion == s.current:
			res.Reason = ReasonMatch
			res.Message = "client version matches the server"
		case cmp < 0:
			res.Reason = ReasonBehindSupported
			res.Message = fmt.Sprintf("client version %s is behind the current %s but still supported", clientVersion, s.current)
		default:
			res.Reason = ReasonAheadSupported
			res.Message = fmt.Sprintf("client version %s is ahead of the current %s but supported", clientVersion, s.current)
		}
		return res
	}

	switch {
	case cmp < 0:
		res.Reason = ReasonBehind
		res.Message = fmt.Sprintf("client version %s is behind the supported set; upgrade to %s", clientVersion, s.current)
	case cmp > 0:
		res.Reason = ReasonAhead
		res.Message = fmt.Sprintf("client version %s is ahead of the supported set; server expects %s", clientVersion, s.current)
	default:
		res.Reason = ReasonMismatch
		res.Message = fmt.Sprintf("client version %s is not in the supported set", clientVersion)
	}
	return res
}

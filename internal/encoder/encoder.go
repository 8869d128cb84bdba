// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package encoder picks a working video encoder by running short throwaway
// captures and classifying them by exit status and known-fatal stderr lines.
package encoder

import (
	"errors"
	"slices"
	"strings"
)

// ErrAllFailed is returned by Negotiate when no candidate passes.
var ErrAllFailed = errors.New("all encoders failed validation")

// Candidate is one entry of the preference-ordered encoder list.
type Candidate struct {
	Name   string `yaml:"name"`
	Preset string `yaml:"preset,omitempty"`
}

func (c Candidate) String() string {
	if c.Preset == "" {
		return c.Name
	}
	return c.Name + " (" + c.Preset + ")"
}

// DefaultCandidates lists hardware encoders before the software fallback.
// Hardware encoders get the fast preset, libx264 the cheapest one.
func DefaultCandidates() []Candidate {
	return []Candidate{
		{Name: "h264_v4l2m2m", Preset: "fast"},
		{Name: "h264_omx", Preset: "fast"},
		{Name: "libx264", Preset: "ultrafast"},
	}
}

// DefaultSignatures are stderr fragments that mark a validation run as broken
// even if ffmpeg would eventually exit zero.
func DefaultSignatures() []string {
	return []string{
		"non-existing PPS",
		"non-existing SPS",
		"decode_slice_header error",
		"no frame!",
		"Error initializing",
		"Invalid NAL unit",
		"Device or resource busy",
	}
}

// Verdict is the outcome of validating one candidate.
type Verdict struct {
	Candidate Candidate
	Passed    bool
	Reason    string
	Signature string // matched fatal signature, if any
	ExitCode  int
}

func (v Verdict) err() error {
	if v.Passed {
		return nil
	}
	return errors.New(v.Candidate.Name + ": " + v.Reason)
}

// Matcher scans diagnostic lines for fatal signatures.
type Matcher struct {
	signatures []string
}

func NewMatcher(signatures []string) *Matcher {
	sigs := slices.DeleteFunc(slices.Clone(signatures), func(s string) bool { return strings.TrimSpace(s) == "" })
	return &Matcher{signatures: sigs}
}

// Match returns the first signature contained in line.
func (m *Matcher) Match(line string) (string, bool) {
	for _, sig := range m.signatures {
		if strings.Contains(line, sig) {
			return sig, true
		}
	}
	return "", false
}

// Signatures returns a copy of the configured list.
func (m *Matcher) Signatures() []string { return slices.Clone(m.signatures) }

// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package media holds small value types shared by the capture pipeline.
package media

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidResolution is returned for strings that are not of the form WxH.
var ErrInvalidResolution = errors.New("invalid resolution")

// Resolution is a capture frame size in pixels.
type Resolution struct {
	Width  int
	Height int
}

// ParseResolution parses "640x480" style strings.
func ParseResolution(s string) (Resolution, error) {
	w, h, ok := strings.Cut(strings.ToLower(strings.TrimSpace(s)), "x")
	if !ok {
		return Resolution{}, fmt.Errorf("%w: %q", ErrInvalidResolution, s)
	}
	width, err := strconv.Atoi(w)
	if err != nil || width <= 0 {
		return Resolution{}, fmt.Errorf("%w: %q", ErrInvalidResolution, s)
	}
	height, err := strconv.Atoi(h)
	if err != nil || height <= 0 {
		return Resolution{}, fmt.Errorf("%w: %q", ErrInvalidResolution, s)
	}
	return Resolution{Width: width, Height: height}, nil
}

// MustParseResolution is ParseResolution for constants; it panics on bad input.
func MustParseResolution(s string) Resolution {
	r, err := ParseResolution(s)
	if err != nil {
		panic(err)
	}
	return r
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// IsZero reports whether r is unset.
func (r Resolution) IsZero() bool {
	return r.Width == 0 && r.Height == 0
}

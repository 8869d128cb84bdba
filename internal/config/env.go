// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/ringdvr/internal/log"
)

// lookupFunc matches os.LookupEnv so tests can inject an environment.
type lookupFunc func(key string) (string, bool)

// parseEnv resolves key through lookup and parse, logging where the value
// came from. Empty or unparseable values fall back to def.
func parseEnv[T any](logger zerolog.Logger, lookup lookupFunc, key string, def T, parse func(string) (T, error)) T {
	v, ok := lookup(key)
	if !ok {
		return def
	}
	if v == "" {
		logger.Debug().
			Str("key", key).
			Interface("default", def).
			Str("source", "default").
			Msg("using default value (environment variable is empty)")
		return def
	}
	out, err := parse(v)
	if err != nil {
		logger.Warn().
			Err(err).
			Str("key", key).
			Str("value", v).
			Interface("default", def).
			Msg("invalid value in environment variable, using default")
		return def
	}
	logger.Debug().
		Str("key", key).
		Interface("value", out).
		Str("source", "environment").
		Msg("using environment variable")
	return out
}

func parseString(s string) (string, error) { return s, nil }

func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes":
		return true, nil
	case "false", "0", "no":
		return false, nil
	}
	return false, fmt.Errorf("not a boolean: %q", s)
}

func parseFloat(s string) (float64, error) { return strconv.ParseFloat(strings.TrimSpace(s), 64) }

func parseInt(s string) (int, error) { return strconv.Atoi(strings.TrimSpace(s)) }

func parseList(s string) ([]string, error) {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out, nil
}

// ParseString reads a string from environment variable or returns default value.
func ParseString(key, defaultValue string) string {
	return parseEnv(log.WithComponent("config"), os.LookupEnv, key, defaultValue, parseString)
}

// ParseInt reads an integer from environment variable or returns default value.
func ParseInt(key string, defaultValue int) int {
	return parseEnv(log.WithComponent("config"), os.LookupEnv, key, defaultValue, parseInt)
}

// ParseDuration reads a Go duration ("5s") from environment variable.
func ParseDuration(key string, defaultValue time.Duration) time.Duration {
	return parseEnv(log.WithComponent("config"), os.LookupEnv, key, defaultValue, time.ParseDuration)
}

// ParseBool accepts "true", "false", "1", "0", "yes", "no" (case-insensitive).
func ParseBool(key string, defaultValue bool) bool {
	return parseEnv(log.WithComponent("config"), os.LookupEnv, key, defaultValue, parseBool)
}

// ParseFloat reads a float64 from environment variable or returns default value.
func ParseFloat(key string, defaultValue float64) float64 {
	return parseEnv(log.WithComponent("config"), os.LookupEnv, key, defaultValue, parseFloat)
}

// ParseList reads a comma separated list. Blank items are dropped.
func ParseList(key string, defaultValue []string) []string {
	return parseEnv(log.WithComponent("config"), os.LookupEnv, key, defaultValue, parseList)
}

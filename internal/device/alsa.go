// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package device

import (
	"slices"
	"strings"
)

// ParseALSACards extracts USB capture cards from `arecord -l` output as
// sorted, de-duplicated plughw identifiers.
func ParseALSACards(listing string) []string {
	var ids []string
	for _, line := range strings.Split(listing, "\n") {
		m := usbCard.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		ids = append(ids, "plughw:"+m[1]+",0")
	}
	slices.Sort(ids)
	return slices.Compact(ids)
}

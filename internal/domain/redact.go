// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

import "strings"

const redactedValue = "<redacted>"

// RedactString hides a secret for display. Empty input stays empty so callers
// can tell "not set" apart from "set but hidden".
func RedactString(s string) string {
	if s == "" {
		return ""
	}
	return redactedValue
}

func IsRedactedString(s string) bool {
	return s == redactedValue
}

// RedactCookie keeps cookie names and hides their values.
func RedactCookie(cookie string) string {
	if cookie == "" {
		return ""
	}

	parts := strings.Split(cookie, ";")
	for i, part := range parts {
		name, _, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			parts[i] = strings.TrimSpace(part)
			continue
		}
		parts[i] = name + "=" + redactedValue
	}

	return strings.Join(parts, "; ")
}

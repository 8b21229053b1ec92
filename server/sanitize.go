package server

import (
	"regexp"
	"strings"
)

// fallbackName replaces filenames that are unusable after sanitization.
const fallbackName = "upload"

// Device names that Windows refuses to treat as regular files, with or
// without an extension.
var windowsReserved = regexp.MustCompile(`(?i)^(CON|PRN|AUX|NUL|COM[1-9]|LPT[1-9])(\.|$)`)

// SafeFilename sanitizes a filename received from a remote peer. The
// result is the only name ever used to touch the filesystem: directory
// components are stripped (no traversal outside the shared directory),
// null bytes removed, and empty or reserved names replaced with a
// fixed placeholder.
func SafeFilename(name string) string {
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}

	name = strings.ReplaceAll(name, "\x00", "")

	if name == "" || name == "." || name == ".." {
		return fallbackName
	}

	if windowsReserved.MatchString(name) {
		return fallbackName
	}

	return name
}

// Package presentation derives the runtime-only visual projection of an
// assistant (icon glyph and accent color) from its name.
//
// The projection is never persisted. Stores strip it on write and the
// runtime layer re-attaches it after reads.
package presentation

import (
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Presentation is the visual descriptor attached to an assistant at runtime.
type Presentation struct {
	Icon  string
	Color string
	// Render is supplied by the UI layer; it exists only in memory.
	Render func() string
}

var icons = []string{
	"robot", "sparkles", "book", "code", "chat", "lightbulb",
	"compass", "pencil", "globe", "flask", "music", "camera",
}

var colors = []string{
	"#4F46E5", "#0EA5E9", "#10B981", "#F59E0B",
	"#EF4444", "#8B5CF6", "#EC4899", "#14B8A6",
}

// ForName returns the deterministic presentation for an assistant name.
// Names are compared case-insensitively with surrounding space trimmed.
func ForName(name string) *Presentation {
	key := strings.ToLower(strings.TrimSpace(name))
	h := xxhash.Sum64String(key)
	return &Presentation{
		Icon:  icons[h%uint64(len(icons))],
		Color: colors[(h>>32)%uint64(len(colors))],
	}
}

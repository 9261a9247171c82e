package chat

// Reactions is the glyph vocabulary used on origin messages. The defaults
// match the historical emoji set; hosts may swap in any distinguishable
// glyphs.
type Reactions struct {
	Queued     string
	Processing string
	Success    string
	Error      string
	Archived   string

	// Numbers shows queue position, Progress shows work progress, and
	// Download shows download progress.
	Numbers  []string
	Progress []string
	Download []string
}

func DefaultReactions() Reactions {
	return Reactions{
		Queued:     "📹",
		Processing: "⚙️",
		Success:    "✅",
		Error:      "❌",
		Archived:   "🔄",
		Numbers:    []string{"1️⃣", "2️⃣", "3️⃣", "4️⃣", "5️⃣"},
		Progress:   []string{"⬛", "🟨", "🟩"},
		Download:   []string{"0️⃣", "2️⃣", "4️⃣", "6️⃣", "8️⃣", "🔟"},
	}
}

// ProgressGlyph maps a 0-1 progress value onto one glyph of a ladder.
func ProgressGlyph(progress float64, ladder []string) string {
	if len(ladder) == 0 {
		return ""
	}
	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}
	idx := int(progress * float64(len(ladder)-1))
	return ladder[idx]
}

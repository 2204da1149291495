package recovery

import (
	"strings"

	"github.com/omega-player/dataengine/internal/engine/events"
)

// Subsystem identifies a recoverable area of the player.
type Subsystem string

const (
	SubsystemDatabase Subsystem = "database"
	SubsystemProfile  Subsystem = "profile"
	SubsystemPlayback Subsystem = "playback"
	SubsystemUI       Subsystem = "ui"
	SubsystemAll      Subsystem = "all"
)

func (s Subsystem) orAll() Subsystem {
	switch s {
	case SubsystemDatabase, SubsystemProfile, SubsystemPlayback, SubsystemUI, SubsystemAll:
		return s
	default:
		return SubsystemAll
	}
}

// ParseSubsystem maps a string to a Subsystem, falling back to SubsystemAll
// for anything unrecognized.
func ParseSubsystem(s string) Subsystem {
	return Subsystem(strings.ToLower(strings.TrimSpace(s))).orAll()
}

// subsystemKeywords maps error text to the subsystem most likely involved.
// First match wins; the order reflects how specific the vocabulary is, with
// database first because its errors often also mention playback or UI
// consequences.
var subsystemKeywords = []struct {
	subsystem Subsystem
	keywords  []string
}{
	{SubsystemDatabase, []string{"database", "postgres", "sql", "connection", "pgdata", "migration"}},
	{SubsystemProfile, []string{"profile"}},
	{SubsystemPlayback, []string{"playback", "audio", "player", "track", "queue", "volume"}},
	{SubsystemUI, []string{"theme", "notification", "window", "dialog", "render", "view"}},
}

// ClassifySubsystem infers the affected subsystem from free-form error text.
// Unattributable errors recover everything.
func ClassifySubsystem(text string) Subsystem {
	lower := strings.ToLower(text)
	for _, entry := range subsystemKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(lower, kw) {
				return entry.subsystem
			}
		}
	}
	// "ui" only as a standalone token: as a substring it appears inside too
	// many unrelated words ("building", "require").
	if containsToken(lower, "ui") {
		return SubsystemUI
	}
	return SubsystemAll
}

func containsToken(text, token string) bool {
	for _, field := range strings.FieldsFunc(text, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	}) {
		if field == token {
			return true
		}
	}
	return false
}

// fatalPatterns are error texts that mean the process itself is no longer
// trustworthy: memory exhaustion, stack overflow, memory faults, and
// unrecoverable I/O. Matching any of them escalates to emergency shutdown.
var fatalPatterns = []string{
	"out of memory",
	"cannot allocate memory",
	"stack overflow",
	"goroutine stack exceeds",
	"segmentation violation",
	"invalid memory address",
	"access violation",
	"bad address",
	"input/output error",
}

func matchFatal(ev events.Event) (string, bool) {
	lower := strings.ToLower(eventText(ev))
	for _, pattern := range fatalPatterns {
		if strings.Contains(lower, pattern) {
			return pattern, true
		}
	}
	return "", false
}

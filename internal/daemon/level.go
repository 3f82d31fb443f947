package daemon

import (
	"encoding/json"
	"strings"

	"github.com/Chichichkin/SeqShipper/internal/logging"
)

// levelScanFields is how many leading words of a plain line are checked for
// a level name, enough to skip a timestamp and a logger name.
const levelScanFields = 4

// DetectLevel guesses the level of a raw log line. JSON lines are read for
// an "@l" or "level" field; plain lines for a level word such as "ERROR",
// "[warn]" or "INFO:" among the first few words. Anything else is Info.
func DetectLevel(line string) logging.Level {
	trimmed := strings.TrimSpace(line)

	if strings.HasPrefix(trimmed, "{") {
		var fields struct {
			CLEF  string `json:"@l"`
			Level string `json:"level"`
		}
		if err := json.Unmarshal([]byte(trimmed), &fields); err == nil {
			for _, name := range []string{fields.CLEF, fields.Level} {
				if level, ok := logging.ParseLevel(name); ok {
					return level
				}
			}
			return logging.LevelInfo
		}
	}

	words := strings.Fields(trimmed)
	if len(words) > levelScanFields {
		words = words[:levelScanFields]
	}
	for _, word := range words {
		if level, ok := logging.ParseLevel(strings.Trim(word, "[]():|")); ok {
			return level
		}
	}

	return logging.LevelInfo
}

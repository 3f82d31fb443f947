package seq

import (
	"encoding/json"
	"fmt"

	"github.com/Chichichkin/SeqShipper/internal/logging"
)

// TimestampLayout is RFC 3339 with exactly six fractional digits.
const TimestampLayout = "2006-01-02T15:04:05.000000Z07:00"

// Record is the CLEF shape of one event.
type Record struct {
	Level     string `json:"@l"`
	Timestamp string `json:"@t"`
	App       string `json:"App"`
	Process   string `json:"Process"`
	Message   string `json:"Message"`
	Context   string `json:"Context,omitempty"`
}

func NewRecord(app string, event logging.Event) Record {
	return Record{
		Level:     event.Level.String(),
		Timestamp: event.Timestamp.Format(TimestampLayout),
		App:       app,
		Process:   event.Process,
		Message:   event.Message,
		Context:   event.Context,
	}
}

// EncodeBatch renders events as CLEF records written back to back. Every
// record is a complete JSON object, so the reader splits on value
// boundaries. A marshal failure means a broken Record definition and
// panics.
func EncodeBatch(app string, events []logging.Event) []byte {
	body := make([]byte, 0, len(events)*128)

	for _, event := range events {
		item, err := json.Marshal(NewRecord(app, event))
		if err != nil {
			panic(fmt.Sprintf("seq: failed to marshal log event: %v", err))
		}
		body = append(body, item...)
	}

	return body
}

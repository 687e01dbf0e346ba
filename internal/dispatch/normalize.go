package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

var ErrNoConversation = errors.New("inbound event has no conversation identifier")

// Inbound payloads are loosely shaped: different backend versions name the
// same concept differently, and newMessage nests the message object while
// newMessageAlert is flat. Each concept is resolved against a prioritized
// list of accepted source field names.
var (
	conversationKeys = []string{"conversation_id", "chat_id", "contact_id"}
	contentKeys      = []string{"content", "element_name", "message", "text"}
	senderKeys       = []string{"contact_name", "sender_name", "name", "from", "customerName"}
	messageIDKeys    = []string{"message_id", "id"}
	timestampKeys    = []string{"timestamp", "created_at", "time"}
)

type Normalized struct {
	ConversationID string
	ContactName    string
	Text           string
	MessageID      string
	Timestamp      time.Time
}

// Normalize extracts the dispatch-relevant fields from a raw inbound event.
//
// When the payload nests a message object under "message", fields are
// resolved there first and fall back to the top level. Only a missing
// conversation identifier is an error; everything else degrades to empty.
func Normalize(raw map[string]any) (Normalized, error) {
	if raw == nil {
		return Normalized{}, ErrNoConversation
	}

	sources := []map[string]any{raw}
	if nested, ok := raw["message"].(map[string]any); ok {
		sources = []map[string]any{nested, raw}
	}

	conv := firstString(sources, conversationKeys)
	if conv == "" {
		return Normalized{}, ErrNoConversation
	}

	n := Normalized{
		ConversationID: conv,
		ContactName:    firstString(sources, senderKeys),
		MessageID:      firstString(sources, messageIDKeys),
		Timestamp:      firstTime(sources, timestampKeys),
	}

	// "message" doubles as a content key and as the nesting key; only treat
	// it as content when it holds a scalar.
	n.Text = firstString(sources, contentKeys)
	return n, nil
}

func firstString(sources []map[string]any, keys []string) string {
	for _, key := range keys {
		for _, src := range sources {
			v, ok := src[key]
			if !ok || v == nil {
				continue
			}
			if s := stringify(v); s != "" {
				return s
			}
		}
	}
	return ""
}

func firstTime(sources []map[string]any, keys []string) time.Time {
	for _, key := range keys {
		for _, src := range sources {
			v, ok := src[key]
			if !ok || v == nil {
				continue
			}
			if t, ok := timeify(v); ok {
				return t
			}
		}
	}
	return time.Time{}
}

func stringify(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case json.Number:
		return x.String()
	case float64:
		if x == math.Trunc(x) {
			return fmt.Sprintf("%.0f", x)
		}
		return fmt.Sprintf("%v", x)
	case int:
		return fmt.Sprintf("%d", x)
	case int64:
		return fmt.Sprintf("%d", x)
	default:
		return ""
	}
}

func timeify(v any) (time.Time, bool) {
	switch x := v.(type) {
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, x); err == nil {
				return t, true
			}
		}
		return time.Time{}, false
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return time.Time{}, false
		}
		return unixTime(f), true
	case float64:
		return unixTime(x), true
	case int64:
		return unixTime(float64(x)), true
	default:
		return time.Time{}, false
	}
}

// unixTime treats values above 1e12 as milliseconds, otherwise seconds.
func unixTime(v float64) time.Time {
	if v > 1e12 {
		return time.UnixMilli(int64(v))
	}
	return time.Unix(int64(v), 0)
}

package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Notification types emitted by the platform backend.
const (
	TypePvPResult = "PVP_RESULT"
	TypePurchase  = "PURCHASE"
	TypeComment   = "COMMENT"
	TypeRanking   = "RANKING"
)

// Status is the read state of a notification.
type Status string

const (
	StatusUnread Status = "unread"
	StatusRead   Status = "read"
)

// ID is an opaque server-assigned notification identifier. The backend
// serializes it as a JSON number, but the client never does arithmetic
// on it, so it is carried as a string.
type ID string

// UnmarshalJSON accepts both JSON numbers and strings.
func (id *ID) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == "" {
		*id = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return fmt.Errorf("decoding notification id: %w", err)
		}
		*id = ID(str)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("decoding notification id: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// Notification represents a server-issued event surfaced to one user.
type Notification struct {
	// ID is the unique, server-assigned identifier.
	ID ID `json:"id"`

	// Type tags the notification kind (e.g. PVP_RESULT).
	Type string `json:"type"`

	Title   string `json:"title"`
	Message string `json:"message"`

	// Status is either unread or read.
	Status Status `json:"status"`

	// CreatedDate is when the server created the notification.
	CreatedDate Timestamp `json:"createdDate"`

	// ReadAt is set by the server once the notification was read.
	ReadAt Timestamp `json:"readAt"`

	// LinkURL is an optional in-app route to open.
	LinkURL string `json:"linkUrl,omitempty"`

	// Metadata is the server-defined metaJson blob, kept verbatim.
	Metadata Metadata `json:"metaJson,omitempty"`
}

// Metadata holds the metaJson blob as JSON text. The backend usually
// sends it as a string containing JSON, but some producers embed the
// object directly.
type Metadata string

// UnmarshalJSON keeps a string's contents and any other value's raw
// text. It never fails, so an odd blob cannot drop the notification.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == "" {
		*m = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(data, &str); err == nil {
			*m = Metadata(str)
			return nil
		}
	}
	*m = Metadata(s)
	return nil
}

// IsUnread reports whether the notification has not been read yet.
func (n Notification) IsUnread() bool {
	return n.Status != StatusRead
}

// Event is the payload of a notification-created push frame. Older
// producers send notificationId instead of id.
type Event struct {
	Notification
	NotificationID ID `json:"notificationId"`
}

// ToNotification resolves the event into a notification. Events are
// always delivered as unread.
func (e Event) ToNotification() Notification {
	n := e.Notification
	if n.ID == "" {
		n.ID = e.NotificationID
	}
	n.Status = StatusUnread
	return n
}

// Timestamp is a time decoded from the backend's loosely formatted
// date fields: ISO strings with or without a zone, or Jackson's
// [year, month, day, hour, minute, second, nanos] arrays.
type Timestamp struct {
	time.Time
}

// timestampLayouts are tried in order when decoding string timestamps.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// UnmarshalJSON decodes a timestamp. Unparseable values leave the zero
// time rather than failing the whole notification.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	t.Time = time.Time{}

	s := strings.TrimSpace(string(data))
	switch {
	case s == "null" || s == "":
		return nil
	case strings.HasPrefix(s, "["):
		var parts []int
		if err := json.Unmarshal(data, &parts); err != nil {
			return nil
		}
		t.Time = fromParts(parts)
		return nil
	case strings.HasPrefix(s, `"`):
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return nil
		}
		t.Time = parseTimestamp(str)
		return nil
	default:
		// Epoch milliseconds.
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			t.Time = time.UnixMilli(ms).UTC()
		}
		return nil
	}
}

// MarshalJSON encodes the timestamp as RFC 3339, or null when unset.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Time.Format(time.RFC3339Nano))
}

func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return parsed
		}
	}
	return time.Time{}
}

func fromParts(p []int) time.Time {
	if len(p) < 3 {
		return time.Time{}
	}
	get := func(i int) int {
		if i < len(p) {
			return p[i]
		}
		return 0
	}
	return time.Date(
		get(0), time.Month(get(1)), get(2),
		get(3), get(4), get(5), get(6),
		time.Local,
	)
}

package reminder

import (
	"encoding/json"
	"fmt"
	"time"
)

// StorageKey is the fixed key the serialized reminder collection lives under.
const StorageKey = "aquaguide-reminders"

// record is the persisted shape of a reminder. Timestamps are ISO-8601 strings.
type record struct {
	ID           string    `json:"id"`
	TankID       string    `json:"tankId"`
	TankName     string    `json:"tankName"`
	Kind         Kind      `json:"type"`
	Title        string    `json:"title"`
	Message      string    `json:"message"`
	Frequency    Frequency `json:"frequency"`
	CustomDays   *int      `json:"customDays,omitempty"`
	NextDue      string    `json:"nextDue"`
	Enabled      bool      `json:"enabled"`
	LastNotified *string   `json:"lastNotified,omitempty"`
}

// layouts accepted when decoding timestamps; zone-less forms are read in the local zone.
var localLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
}

// ParseTimestamp parses an ISO-8601 timestamp. Values without a zone are
// interpreted in loc.
func ParseTimestamp(s string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	if loc == nil {
		loc = time.Local
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}

// MarshalList serializes the whole collection as one JSON array.
func MarshalList(reminders []Reminder) ([]byte, error) {
	records := make([]record, 0, len(reminders))
	for _, r := range reminders {
		rec := record{
			ID:         r.ID,
			TankID:     r.TankID,
			TankName:   r.TankName,
			Kind:       r.Kind,
			Title:      r.Title,
			Message:    r.Message,
			Frequency:  r.Frequency,
			CustomDays: r.CustomDays,
			NextDue:    r.NextDueAt.Format(time.RFC3339Nano),
			Enabled:    r.Enabled,
		}
		if r.LastFiredAt != nil {
			s := r.LastFiredAt.Format(time.RFC3339Nano)
			rec.LastNotified = &s
		}
		records = append(records, rec)
	}

	data, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("marshal reminders: %w", err)
	}
	return data, nil
}

// UnmarshalList decodes a collection written by MarshalList.
// Empty input yields an empty list. A record with an unparseable timestamp
// fails the whole decode.
func UnmarshalList(data []byte, loc *time.Location) ([]Reminder, error) {
	if len(data) == 0 {
		return []Reminder{}, nil
	}

	var records []record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("unmarshal reminders: %w", err)
	}

	out := make([]Reminder, 0, len(records))
	for _, rec := range records {
		next, err := ParseTimestamp(rec.NextDue, loc)
		if err != nil {
			return nil, fmt.Errorf("reminder %s nextDue: %w", rec.ID, err)
		}

		r := Reminder{
			ID:         rec.ID,
			TankID:     rec.TankID,
			TankName:   rec.TankName,
			Kind:       rec.Kind,
			Title:      rec.Title,
			Message:    rec.Message,
			Frequency:  rec.Frequency,
			CustomDays: rec.CustomDays,
			NextDueAt:  next,
			Enabled:    rec.Enabled,
		}

		if rec.LastNotified != nil && *rec.LastNotified != "" {
			last, err := ParseTimestamp(*rec.LastNotified, loc)
			if err != nil {
				return nil, fmt.Errorf("reminder %s lastNotified: %w", rec.ID, err)
			}
			r.LastFiredAt = &last
		}

		out = append(out, r)
	}
	return out, nil
}

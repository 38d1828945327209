package model

import (
	"encoding/json"
	"fmt"
	"time"
)

type Frequency string

// Frequency is display-only. Every value yields a single daily reminder at Medication.Time;
// twice-daily and weekly do not expand into extra slots.
const (
	FrequencyDaily        Frequency = "daily"
	FrequencyTwiceDaily   Frequency = "twice-daily"
	FrequencyEveryMorning Frequency = "every-morning"
	FrequencyEveryEvening Frequency = "every-evening"
	FrequencyWeekly       Frequency = "weekly"
	FrequencyAsNeeded     Frequency = "as-needed"
)

func (f Frequency) Valid() bool {
	switch f {
	case FrequencyDaily, FrequencyTwiceDaily, FrequencyEveryMorning,
		FrequencyEveryEvening, FrequencyWeekly, FrequencyAsNeeded:
		return true
	}
	return false
}

// TimeOfDay is a wall-clock trigger point, serialized as "HH:MM".
type TimeOfDay struct {
	Hour   int
	Minute int
}

func NewTimeOfDay(hour, minute int) (TimeOfDay, error) {
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %02d:%02d", hour, minute)
	}
	return TimeOfDay{Hour: hour, Minute: minute}, nil
}

func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}, nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// On returns this time of day on the calendar date of d, in d's location.
func (t TimeOfDay) On(d time.Time) time.Time {
	y, m, day := d.Date()
	return time.Date(y, m, day, t.Hour, t.Minute, 0, 0, d.Location())
}

// Next returns the first occurrence of t strictly after now.
func (t TimeOfDay) Next(now time.Time) time.Time {
	at := t.On(now)
	if !at.After(now) {
		y, m, d := now.Date()
		at = time.Date(y, m, d+1, t.Hour, t.Minute, 0, 0, now.Location())
	}
	return at
}

func (t TimeOfDay) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *TimeOfDay) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseTimeOfDay(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

type Medication struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Dosage       string    `json:"dosage"`
	Time         TimeOfDay `json:"time"`
	Frequency    Frequency `json:"frequency"`
	Instructions string    `json:"instructions,omitempty"`
	Taken        bool      `json:"taken"`
}

// MedicationInput is everything a caller may set; id and taken are owned by the store.
type MedicationInput struct {
	Name         string    `json:"name"`
	Dosage       string    `json:"dosage"`
	Time         TimeOfDay `json:"time"`
	Frequency    Frequency `json:"frequency"`
	Instructions string    `json:"instructions,omitempty"`
}

func (in MedicationInput) Validate() error {
	if in.Name == "" {
		return fmt.Errorf("name is required")
	}
	if in.Dosage == "" {
		return fmt.Errorf("dosage is required")
	}
	if in.Frequency != "" && !in.Frequency.Valid() {
		return fmt.Errorf("unknown frequency %q", in.Frequency)
	}
	return nil
}

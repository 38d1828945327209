package model

import "time"

const defaultInstructions = "Take as directed"

// Reminder is what gets handed to a delivery sink when a slot fires.
type Reminder struct {
	MedicationID string    `json:"medication_id"`
	Title        string    `json:"title"`
	Body         string    `json:"body"`
	DataURL      string    `json:"data_url,omitempty"`
	FireAt       time.Time `json:"fire_at"`
}

func NewReminder(m Medication, fireAt time.Time) Reminder {
	instructions := m.Instructions
	if instructions == "" {
		instructions = defaultInstructions
	}
	return Reminder{
		MedicationID: m.ID,
		Title:        "Time to take " + m.Name,
		Body:         m.Dosage + " - " + instructions,
		DataURL:      "/",
		FireAt:       fireAt,
	}
}

// NewSetupReminder confirms to the user that reminders will now reach them.
func NewSetupReminder(at time.Time) Reminder {
	return Reminder{
		Title:   "Medication Reminder Setup",
		Body:    "You will now receive alerts when it's time to take your medication",
		DataURL: "/",
		FireAt:  at,
	}
}

type Settings struct {
	PushoverToken string `json:"pushover_token"`
	PushoverUser  string `json:"pushover_user"`
	Password      string `json:"password"` // Plain text
}

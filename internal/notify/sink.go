// Package notify holds the delivery side of reminders: the sink contract the scheduler
// calls into, a Pushover-backed sink, an in-app fallback inbox and the audio chime.
package notify

import (
	"context"
	"errors"

	"github.com/noahxzhu/medication-reminder/internal/model"
)

var (
	ErrPermissionDenied = errors.New("delivery permission not granted")
	ErrDeliveryFailed   = errors.New("reminder delivery failed")
	ErrUnsupported      = errors.New("no delivery channel available")
)

type Permission string

const (
	PermissionDefault     Permission = "default" // not yet asked
	PermissionGranted     Permission = "granted"
	PermissionDenied      Permission = "denied"
	PermissionUnsupported Permission = "unsupported"
)

// Sink presents a reminder to the user.
type Sink interface {
	Permission() Permission
	// RequestPermission asks for the right to deliver and reports whether it is now granted.
	RequestPermission(ctx context.Context) (bool, error)
	Deliver(ctx context.Context, r model.Reminder) error
}

// Chime plays a short alert sound.
type Chime interface {
	Play() error
}

type ChimeFunc func() error

func (f ChimeFunc) Play() error { return f() }

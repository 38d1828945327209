package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/noahxzhu/medication-reminder/internal/model"
	"github.com/noahxzhu/medication-reminder/internal/pushover"
)

// PushoverSink delivers reminders as Pushover messages. Credentials are read from settings on
// every call so that changes made through the settings API apply without a restart.
type PushoverSink struct {
	settings func() model.Settings
	baseURL  string
	sound    string
	logger   *slog.Logger

	mu   sync.Mutex
	perm Permission
	// credentials the current perm was decided for
	checked string
}

func NewPushoverSink(settings func() model.Settings, baseURL, sound string, logger *slog.Logger) *PushoverSink {
	return &PushoverSink{
		settings: settings,
		baseURL:  baseURL,
		sound:    sound,
		logger:   logger.With("component", "pushover"),
		perm:     PermissionDefault,
	}
}

func (s *PushoverSink) client() (*pushover.Client, string, bool) {
	st := s.settings()
	if st.PushoverToken == "" || st.PushoverUser == "" {
		return nil, "", false
	}
	c := pushover.NewClient(st.PushoverToken, st.PushoverUser)
	if s.baseURL != "" {
		c.BaseURL = s.baseURL
	}
	return c, st.PushoverToken + "\x00" + st.PushoverUser, true
}

func (s *PushoverSink) Permission() Permission {
	_, key, ok := s.client()
	if !ok {
		return PermissionUnsupported
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if key != s.checked {
		return PermissionDefault
	}
	return s.perm
}

func (s *PushoverSink) RequestPermission(ctx context.Context) (bool, error) {
	c, key, ok := s.client()
	if !ok {
		return false, ErrUnsupported
	}

	err := c.ValidateUser(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case err == nil:
		s.perm = PermissionGranted
		s.checked = key
		s.logger.Info("Pushover credentials validated")
		return true, nil
	case errors.Is(err, pushover.ErrInvalidCredentials):
		s.perm = PermissionDenied
		s.checked = key
		s.logger.Warn("Pushover credentials rejected", "error", err)
		return false, nil
	default:
		// Transport failure says nothing about the credentials
		return s.perm == PermissionGranted && s.checked == key, fmt.Errorf("validate pushover credentials: %w", err)
	}
}

func (s *PushoverSink) Deliver(ctx context.Context, r model.Reminder) error {
	if s.Permission() != PermissionGranted {
		return ErrPermissionDenied
	}
	c, _, ok := s.client()
	if !ok {
		return ErrUnsupported
	}
	err := c.SendMessage(ctx, pushover.Message{
		Title:    r.Title,
		Body:     r.Body,
		URL:      r.DataURL,
		Sound:    s.sound,
		Priority: 1,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	return nil
}

package notify

import (
	"context"
	"sync"

	"github.com/noahxzhu/medication-reminder/internal/model"
)

const inboxLimit = 100

// Inbox is the in-app fallback used when no push channel exists. Reminders queue here
// until the UI drains them; the oldest are dropped past inboxLimit.
type Inbox struct {
	mu    sync.Mutex
	items []model.Reminder
}

func NewInbox() *Inbox {
	return &Inbox{}
}

func (i *Inbox) Permission() Permission { return PermissionGranted }

func (i *Inbox) RequestPermission(context.Context) (bool, error) { return true, nil }

func (i *Inbox) Deliver(_ context.Context, r model.Reminder) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.items = append(i.items, r)
	if len(i.items) > inboxLimit {
		i.items = i.items[len(i.items)-inboxLimit:]
	}
	return nil
}

// Drain returns every queued reminder and empties the inbox.
func (i *Inbox) Drain() []model.Reminder {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := i.items
	i.items = nil
	if out == nil {
		out = []model.Reminder{}
	}
	return out
}

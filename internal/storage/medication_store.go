package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/noahxzhu/medication-reminder/internal/model"
)

const (
	KeyMedications = "medications"
	KeySettings    = "settings"
)

var ErrNotFound = errors.New("medication not found")

type ChangeKind string

const (
	ChangeAdded   ChangeKind = "added"
	ChangeUpdated ChangeKind = "updated"
	ChangeRemoved ChangeKind = "removed"
	ChangeTaken   ChangeKind = "taken"
	ChangeReset   ChangeKind = "reset"
)

// Change describes one committed mutation. MedicationID is empty for ChangeReset.
type Change struct {
	Kind         ChangeKind
	MedicationID string
}

// Store is the authoritative medication list. Every mutation is persisted before
// subscribers are notified, and subscribers run without the store lock held.
type Store struct {
	mu          sync.RWMutex
	blob        Blob
	medications []*model.Medication
	newID       func() string

	subMu  sync.Mutex
	subs   map[int]func(Change)
	nextID int
}

func NewStore(blob Blob) *Store {
	return &Store{
		blob:  blob,
		newID: func() string { return uuid.New().String() },
		subs:  map[int]func(Change){},
	}
}

func (s *Store) Load() error {
	raw, ok, err := s.blob.Get(KeyMedications)
	if err != nil {
		return fmt.Errorf("failed to load medications: %w", err)
	}

	var list []*model.Medication
	if ok && len(raw) > 0 {
		if err := json.Unmarshal(raw, &list); err != nil {
			return fmt.Errorf("failed to unmarshal medications: %w", err)
		}
	}

	seen := make(map[string]bool, len(list))
	clean := list[:0]
	for _, m := range list {
		if m == nil || m.ID == "" || seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		clean = append(clean, m)
	}

	s.mu.Lock()
	s.medications = clean
	s.mu.Unlock()
	return nil
}

// Subscribe registers fn for every committed change and returns a function that removes it.
func (s *Store) Subscribe(fn func(Change)) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Store) notify(c Change) {
	s.subMu.Lock()
	fns := make([]func(Change), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(c)
	}
}

func (s *Store) Add(in model.MedicationInput) (model.Medication, error) {
	m := &model.Medication{
		ID:           s.newID(),
		Name:         in.Name,
		Dosage:       in.Dosage,
		Time:         in.Time,
		Frequency:    in.Frequency,
		Instructions: in.Instructions,
		Taken:        false,
	}
	if m.Frequency == "" {
		m.Frequency = model.FrequencyDaily
	}

	s.mu.Lock()
	s.medications = append(s.medications, m)
	if err := s.saveLocked(); err != nil {
		s.medications = s.medications[:len(s.medications)-1]
		s.mu.Unlock()
		return model.Medication{}, err
	}
	out := *m
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeAdded, MedicationID: out.ID})
	return out, nil
}

func (s *Store) Update(id string, in model.MedicationInput) (model.Medication, error) {
	out, err := s.mutate(id, func(m *model.Medication) {
		m.Name = in.Name
		m.Dosage = in.Dosage
		m.Time = in.Time
		m.Frequency = in.Frequency
		if m.Frequency == "" {
			m.Frequency = model.FrequencyDaily
		}
		m.Instructions = in.Instructions
	})
	if err != nil {
		return model.Medication{}, err
	}
	s.notify(Change{Kind: ChangeUpdated, MedicationID: id})
	return out, nil
}

func (s *Store) SetTaken(id string, taken bool) (model.Medication, error) {
	out, err := s.mutate(id, func(m *model.Medication) { m.Taken = taken })
	if err != nil {
		return model.Medication{}, err
	}
	s.notify(Change{Kind: ChangeTaken, MedicationID: id})
	return out, nil
}

func (s *Store) ToggleTaken(id string) (model.Medication, error) {
	out, err := s.mutate(id, func(m *model.Medication) { m.Taken = !m.Taken })
	if err != nil {
		return model.Medication{}, err
	}
	s.notify(Change{Kind: ChangeTaken, MedicationID: id})
	return out, nil
}

func (s *Store) Remove(id string) error {
	s.mu.Lock()
	idx := s.indexLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return fmt.Errorf("remove %s: %w", id, ErrNotFound)
	}
	prev := s.medications
	next := make([]*model.Medication, 0, len(prev)-1)
	next = append(next, prev[:idx]...)
	next = append(next, prev[idx+1:]...)
	s.medications = next
	if err := s.saveLocked(); err != nil {
		s.medications = prev
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeRemoved, MedicationID: id})
	return nil
}

// ResetTaken clears the taken flag on every medication and returns how many changed.
func (s *Store) ResetTaken() (int, error) {
	s.mu.Lock()
	var flipped []*model.Medication
	for _, m := range s.medications {
		if m.Taken {
			m.Taken = false
			flipped = append(flipped, m)
		}
	}
	if len(flipped) == 0 {
		s.mu.Unlock()
		return 0, nil
	}
	if err := s.saveLocked(); err != nil {
		for _, m := range flipped {
			m.Taken = true
		}
		s.mu.Unlock()
		return 0, err
	}
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeReset})
	return len(flipped), nil
}

func (s *Store) Get(id string) (model.Medication, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := s.indexLocked(id)
	if idx < 0 {
		return model.Medication{}, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	return *s.medications[idx], nil
}

// List returns the medications in insertion order.
func (s *Store) List() []model.Medication {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.Medication, len(s.medications))
	for i, m := range s.medications {
		result[i] = *m
	}
	return result
}

func (s *Store) mutate(id string, fn func(*model.Medication)) (model.Medication, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexLocked(id)
	if idx < 0 {
		return model.Medication{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	m := s.medications[idx]
	prev := *m
	fn(m)
	if err := s.saveLocked(); err != nil {
		*m = prev
		return model.Medication{}, err
	}
	return *m, nil
}

func (s *Store) indexLocked(id string) int {
	for i, m := range s.medications {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) saveLocked() error {
	data, err := json.Marshal(s.medications)
	if err != nil {
		return fmt.Errorf("failed to marshal medications: %w", err)
	}
	if err := s.blob.Set(KeyMedications, data); err != nil {
		return fmt.Errorf("failed to persist medications: %w", err)
	}
	return nil
}

package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/and161185/authbridge/internal/errs"
	"github.com/and161185/authbridge/internal/model"
)

const kindKeys model.Kind = "keys"

// InsertActive stores the first signing key of a service.
func (s *Store) InsertActive(_ context.Context, rec model.KeyRecord) error {
	defer s.lock(kindKeys, rec.ServiceID)()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.services[rec.ServiceID]; !ok {
		return fmt.Errorf("service %s: %w", rec.ServiceID, errs.ErrNotFound)
	}
	for _, k := range s.keys[rec.ServiceID] {
		if k.Active() {
			return fmt.Errorf("active key of %s: %w", rec.ServiceID, errs.ErrAlreadyExists)
		}
	}
	s.keys[rec.ServiceID] = append([]model.KeyRecord{rec}, s.keys[rec.ServiceID]...)
	return nil
}

// Active returns the signing key of serviceID.
func (s *Store) Active(_ context.Context, serviceID string) (*model.KeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, k := range s.keys[serviceID] {
		if k.Active() {
			return &k, nil
		}
	}
	return nil, fmt.Errorf("active key of %s: %w", serviceID, errs.ErrNotFound)
}

func usable(k model.KeyRecord, now time.Time) bool { return k.Active() || k.ExpiresAt.After(now) }

// Verification returns the keys of serviceID usable at now, newest first.
func (s *Store) Verification(_ context.Context, serviceID string, now time.Time) ([]model.KeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.KeyRecord
	for _, k := range s.keys[serviceID] {
		if usable(k, now) {
			out = append(out, k)
		}
	}
	return out, nil
}

// AllVerification returns every key usable at now ordered by service.
func (s *Store) AllVerification(_ context.Context, now time.Time) ([]model.KeyRecord, error) {
	s.mu.RLock()
	var out []model.KeyRecord
	for _, list := range s.keys {
		for _, k := range list {
			if usable(k, now) {
				out = append(out, k)
			}
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b model.KeyRecord) int {
		return cmp.Or(cmp.Compare(a.ServiceID, b.ServiceID), cmp.Compare(b.KeyVersion, a.KeyVersion))
	})
	return out, nil
}

// Rotate retires the active key and makes next the signing key.
func (s *Store) Rotate(
	_ context.Context, next model.KeyRecord, now, retiredUntil time.Time, maxRetired int,
) (model.KeyRecord, error) {
	defer s.lock(kindKeys, next.ServiceID)()

	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.keys[next.ServiceID]
	idx := slices.IndexFunc(list, model.KeyRecord.Active)
	if idx < 0 {
		return model.KeyRecord{}, fmt.Errorf("active key of %s: %w", next.ServiceID, errs.ErrNotFound)
	}
	if slices.ContainsFunc(list, func(k model.KeyRecord) bool { return k.KID == next.KID }) {
		return model.KeyRecord{}, fmt.Errorf("key %s of %s: %w", next.KID, next.ServiceID, errs.ErrAlreadyExists)
	}

	cur := list[idx]
	cur.RetiredAt, cur.ExpiresAt, cur.SealedPrivate = now, retiredUntil, nil
	next.KeyVersion = cur.KeyVersion + 1
	next.CreatedAt = now

	out := []model.KeyRecord{next, cur}
	retired := 1
	for i, k := range list {
		if i == idx || k.Active() || !k.ExpiresAt.After(now) {
			continue
		}
		if retired >= maxRetired {
			break
		}
		out = append(out, k)
		retired++
	}
	s.keys[next.ServiceID] = out
	return next, nil
}

// PurgeExpired deletes retired keys past their window.
func (s *Store) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, list := range s.keys {
		kept := slices.DeleteFunc(slices.Clone(list), func(k model.KeyRecord) bool { return k.Expired(now) })
		n += int64(len(list) - len(kept))
		s.keys[id] = kept
	}
	return n, nil
}

// CountKeys returns the number of stored key records.
func (s *Store) CountKeys(context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, list := range s.keys {
		n += int64(len(list))
	}
	return n, nil
}

package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"trailpass/internal/apperr"
	"trailpass/internal/domain"
	"trailpass/internal/repository"
)

// fakeStore es un repository.Storage en memoria. WithTx trabaja sobre una
// copia y solo la publica si fn no devuelve error.
type fakeStore struct {
	mu       *sync.Mutex
	data     *fakeData
	failures map[string]error
}

type fakeData struct {
	users    map[string]domain.User
	otps     map[string]domain.OTPRecord
	contacts map[string]domain.EmergencyContact
	passes   map[string][]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		mu: &sync.Mutex{},
		data: &fakeData{
			users:    map[string]domain.User{},
			otps:     map[string]domain.OTPRecord{},
			contacts: map[string]domain.EmergencyContact{},
			passes:   map[string][]string{},
		},
		failures: map[string]error{},
	}
}

func (d *fakeData) clone() *fakeData {
	c := &fakeData{
		users:    make(map[string]domain.User, len(d.users)),
		otps:     make(map[string]domain.OTPRecord, len(d.otps)),
		contacts: make(map[string]domain.EmergencyContact, len(d.contacts)),
		passes:   make(map[string][]string, len(d.passes)),
	}
	for k, v := range d.users {
		c.users[k] = v
	}
	for k, v := range d.otps {
		c.otps[k] = v
	}
	for k, v := range d.contacts {
		c.contacts[k] = v
	}
	for k, v := range d.passes {
		c.passes[k] = append([]string(nil), v...)
	}
	return c
}

func (s *fakeStore) fail(op string) error { return s.failures[op] }

func (s *fakeStore) Users() repository.UserRepository { return fakeUsers{s} }
func (s *fakeStore) OTPs() repository.OTPRepository   { return fakeOTPs{s} }
func (s *fakeStore) EmergencyContacts() repository.EmergencyContactRepository {
	return fakeContacts{s}
}
func (s *fakeStore) Passes() repository.PassRepository { return fakePasses{s} }

func (s *fakeStore) WithTx(ctx context.Context, fn func(q repository.Queries) error) error {
	s.mu.Lock()
	snapshot := s.data.clone()
	s.mu.Unlock()

	tx := &fakeStore{mu: &sync.Mutex{}, data: snapshot, failures: s.failures}
	if err := fn(tx); err != nil {
		return err
	}

	s.mu.Lock()
	s.data = snapshot
	s.mu.Unlock()
	return nil
}

func (s *fakeStore) putUser(u domain.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.users[u.ID] = u
}

func (s *fakeStore) user(id string) (domain.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.data.users[id]
	return u, ok
}

func (s *fakeStore) otpFor(userID string, purpose domain.OTPPurpose) (domain.OTPRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.data.otps {
		if rec.OwnerID() == userID && rec.Purpose() == purpose {
			return rec, true
		}
	}
	return domain.OTPRecord{}, false
}

func (s *fakeStore) contact(userID string) (domain.EmergencyContact, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.data.contacts[userID]
	return c, ok
}

type fakeUsers struct{ s *fakeStore }

func (r fakeUsers) update(op, id string, fn func(u *domain.User) bool) error {
	if err := r.s.fail(op); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.data.users[id]
	if !ok {
		return repository.ErrNotFound
	}
	if !fn(&u) {
		return repository.ErrNotFound
	}
	r.s.data.users[id] = u
	return nil
}

func (r fakeUsers) Create(_ context.Context, user domain.User) error {
	if err := r.s.fail("users.create"); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.data.users[user.ID]; ok {
		return apperr.New(apperr.KindConflict, "already exists")
	}
	for _, u := range r.s.data.users {
		if u.DeletedAt == nil && strings.EqualFold(u.Email, user.Email) {
			return apperr.New(apperr.KindConflict, "already exists")
		}
	}
	r.s.data.users[user.ID] = user
	return nil
}

func (r fakeUsers) GetByID(_ context.Context, id string) (domain.User, error) {
	if err := r.s.fail("users.get"); err != nil {
		return domain.User{}, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.data.users[id]
	if !ok {
		return domain.User{}, repository.ErrNotFound
	}
	return u, nil
}

func (r fakeUsers) GetByEmail(_ context.Context, email string) (domain.User, error) {
	if err := r.s.fail("users.get_by_email"); err != nil {
		return domain.User{}, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, u := range r.s.data.users {
		if u.DeletedAt == nil && strings.EqualFold(u.Email, email) {
			return u, nil
		}
	}
	return domain.User{}, repository.ErrNotFound
}

func (r fakeUsers) UpdateRegistrationStatus(_ context.Context, id string, t domain.Transition) error {
	return r.update("users.transition", id, func(u *domain.User) bool {
		if u.DeletedAt != nil || u.RegistrationStatus != t.From {
			return false
		}
		u.RegistrationStatus = t.To
		return true
	})
}

func (r fakeUsers) SetEmailVerified(_ context.Context, id string) error {
	return r.update("users.set_email_verified", id, func(u *domain.User) bool {
		u.EmailVerified = true
		return true
	})
}

func (r fakeUsers) SetOTP(_ context.Context, id string, purpose domain.OTPPurpose, otpID string, sentAt time.Time) error {
	return r.update("users.set_otp", id, func(u *domain.User) bool {
		ref, at := otpID, sentAt
		if purpose == domain.OTPPurposePasswordReset {
			u.PasswordResetOtpID, u.PasswordResetOtpSentAt = &ref, &at
		} else {
			u.EmailOtpID, u.EmailOtpSentAt = &ref, &at
		}
		return true
	})
}

func (r fakeUsers) ClearOTP(_ context.Context, id string, purpose domain.OTPPurpose) error {
	err := r.update("users.clear_otp", id, func(u *domain.User) bool {
		if purpose == domain.OTPPurposePasswordReset {
			u.PasswordResetOtpID = nil
		} else {
			u.EmailOtpID = nil
		}
		return true
	})
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	return err
}

func (r fakeUsers) ReleaseOTP(_ context.Context, id string, purpose domain.OTPPurpose, otpID string) error {
	err := r.update("users.release_otp", id, func(u *domain.User) bool {
		ref, at := &u.EmailOtpID, &u.EmailOtpSentAt
		if purpose == domain.OTPPurposePasswordReset {
			ref, at = &u.PasswordResetOtpID, &u.PasswordResetOtpSentAt
		}
		if *ref == nil || **ref != otpID {
			return false
		}
		*ref, *at = nil, nil
		return true
	})
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	return err
}

func (r fakeUsers) TouchLogin(_ context.Context, id string, at time.Time) error {
	err := r.update("users.touch_login", id, func(u *domain.User) bool {
		u.LoginAt = &at
		return true
	})
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	return err
}

func (r fakeUsers) RecordConsent(_ context.Context, id string, at time.Time) error {
	return r.update("users.record_consent", id, func(u *domain.User) bool {
		u.ConsentAt = &at
		return true
	})
}

func (r fakeUsers) SetDeletionDate(_ context.Context, id string, at time.Time) error {
	return r.update("users.set_deletion_date", id, func(u *domain.User) bool {
		if u.DeletedAt != nil {
			return false
		}
		u.DeletionDate = &at
		return true
	})
}

func (r fakeUsers) ListDeletionCandidates(_ context.Context, now time.Time, limit int) ([]string, error) {
	if err := r.s.fail("users.list_deletion_candidates"); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var ids []string
	for id, u := range r.s.data.users {
		if u.DeletedAt == nil && u.DeletionDate != nil && !u.DeletionDate.After(now) {
			ids = append(ids, id)
		}
	}
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (r fakeUsers) Anonymize(_ context.Context, id string, at time.Time) (bool, error) {
	if err := r.s.fail("users.anonymize"); err != nil {
		return false, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.data.users[id]
	if !ok || u.DeletedAt != nil {
		return false, nil
	}
	u.Email = "deleted+" + id + "@deleted.invalid"
	u.FirstName = "Deleted"
	u.LastName = "User"
	u.RoleID = domain.RoleBanned
	u.EmailOtpID = nil
	u.PasswordResetOtpID = nil
	u.DeletedAt = &at
	u.UpdatedAt = at
	r.s.data.users[id] = u
	return true, nil
}

func (r fakeUsers) HardDelete(_ context.Context, id string) error {
	if err := r.s.fail("users.hard_delete"); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.data.users, id)
	for recID, rec := range r.s.data.otps {
		if rec.OwnerID() == id {
			delete(r.s.data.otps, recID)
		}
	}
	delete(r.s.data.contacts, id)
	delete(r.s.data.passes, id)
	return nil
}

type fakeOTPs struct{ s *fakeStore }

func (r fakeOTPs) Create(_ context.Context, rec domain.OTPRecord) error {
	if err := r.s.fail("otps.create"); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, other := range r.s.data.otps {
		if other.OwnerID() == rec.OwnerID() && other.Purpose() == rec.Purpose() {
			return apperr.New(apperr.KindConflict, "already exists")
		}
	}
	r.s.data.otps[rec.ID] = rec
	return nil
}

func (r fakeOTPs) GetByOwner(_ context.Context, userID string, purpose domain.OTPPurpose) (domain.OTPRecord, error) {
	rec, ok := r.s.otpFor(userID, purpose)
	if !ok {
		return domain.OTPRecord{}, repository.ErrNotFound
	}
	return rec, nil
}

func (r fakeOTPs) DecrementAttempts(_ context.Context, id string) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rec, ok := r.s.data.otps[id]
	if !ok || rec.ConfirmationAttempts <= 0 {
		return 0, repository.ErrNotFound
	}
	rec.ConfirmationAttempts--
	r.s.data.otps[id] = rec
	return rec.ConfirmationAttempts, nil
}

func (r fakeOTPs) MarkProven(_ context.Context, id string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rec, ok := r.s.data.otps[id]
	if !ok {
		return repository.ErrNotFound
	}
	rec.ConfirmationAttempts = 0
	rec.ProvenAt = &at
	r.s.data.otps[id] = rec
	return nil
}

func (r fakeOTPs) Consume(_ context.Context, id string, requireAttempts bool) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rec, ok := r.s.data.otps[id]
	if !ok || (requireAttempts && rec.ConfirmationAttempts <= 0) {
		return repository.ErrNotFound
	}
	delete(r.s.data.otps, id)
	return nil
}

func (r fakeOTPs) DeleteByOwner(_ context.Context, userID string, purpose domain.OTPPurpose) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for id, rec := range r.s.data.otps {
		if rec.OwnerID() == userID && rec.Purpose() == purpose {
			delete(r.s.data.otps, id)
		}
	}
	return nil
}

func (r fakeOTPs) DeleteAllForUser(_ context.Context, userID string) error {
	if err := r.s.fail("otps.delete_all"); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for id, rec := range r.s.data.otps {
		if rec.OwnerID() == userID {
			delete(r.s.data.otps, id)
		}
	}
	return nil
}

type fakeContacts struct{ s *fakeStore }

func (r fakeContacts) Upsert(_ context.Context, contact domain.EmergencyContact) error {
	if err := r.s.fail("contacts.upsert"); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if prev, ok := r.s.data.contacts[contact.UserID]; ok {
		contact.CreatedAt = prev.CreatedAt
	}
	r.s.data.contacts[contact.UserID] = contact
	return nil
}

func (r fakeContacts) DeleteForUser(_ context.Context, userID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.data.contacts, userID)
	return nil
}

type fakePasses struct{ s *fakeStore }

func (r fakePasses) CancelPending(_ context.Context, userID string) (int64, error) {
	if err := r.s.fail("passes.cancel"); err != nil {
		return 0, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for i, status := range r.s.data.passes[userID] {
		if status == domain.PassStatusPending {
			r.s.data.passes[userID][i] = domain.PassStatusCancelled
			n++
		}
	}
	return n, nil
}

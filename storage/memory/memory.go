// Package memory provides an in-memory implementation of storage.Storage,
// suitable for tests and small deployments. All mutation is serialized
// behind a single mutex; see storage/sql for a transactional backend.
package memory

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dexidp/extauth/storage"
)

var _ storage.Storage = (*memStorage)(nil)

// New returns an in-memory storage.Storage.
func New(logger *slog.Logger) storage.Storage {
	if logger == nil {
		logger = slog.Default()
	}
	return &memStorage{
		identities:         make(map[string]storage.Identity),
		identitiesByRemote: make(map[remoteKey]string),
		factors:            make(map[string]storage.Factor),
		otcs:               make(map[string]storage.OneTimeCode),
		attempts:           make(map[string]storage.AuthenticationAttempt),
		pkce:               make(map[string]storage.PKCEChallenge),
		pkceByChallenge:    make(map[string]string),
		webauthnReg:        make(map[string]storage.WebAuthnRegistrationChallenge),
		webauthnAuth:       make(map[string]storage.WebAuthnAuthenticationChallenge),
		logger:             logger,
	}
}

type remoteKey struct {
	issuer  string
	subject string
}

type memStorage struct {
	mu sync.Mutex

	identities         map[string]storage.Identity
	identitiesByRemote map[remoteKey]string

	factors map[string]storage.Factor

	otcs     map[string]storage.OneTimeCode
	attempts map[string]storage.AuthenticationAttempt

	pkce            map[string]storage.PKCEChallenge
	pkceByChallenge map[string]string

	webauthnReg  map[string]storage.WebAuthnRegistrationChallenge
	webauthnAuth map[string]storage.WebAuthnAuthenticationChallenge

	logger *slog.Logger
}

func (s *memStorage) tx(f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f()
}

func (s *memStorage) Close() error { return nil }

// --- Identity ---

func (s *memStorage) CreateIdentity(_ context.Context, i storage.Identity) (out storage.Identity, err error) {
	s.tx(func() {
		if i.ID == "" {
			i.ID = storage.NewID()
		}
		if _, ok := s.identities[i.ID]; ok {
			err = storage.ErrAlreadyExists
			return
		}
		if i.Kind == storage.IdentityRemote {
			key := remoteKey{i.Issuer, i.Subject}
			if _, ok := s.identitiesByRemote[key]; ok {
				err = storage.ErrAlreadyExists
				return
			}
			s.identitiesByRemote[key] = i.ID
		}
		s.identities[i.ID] = i
		out = i
	})
	return out, err
}

func (s *memStorage) GetIdentity(_ context.Context, id string) (out storage.Identity, err error) {
	s.tx(func() {
		i, ok := s.identities[id]
		if !ok {
			err = storage.ErrNotFound
			return
		}
		out = i
	})
	return out, err
}

func (s *memStorage) GetIdentityByRemote(_ context.Context, issuer, subject string) (out storage.Identity, err error) {
	s.tx(func() {
		id, ok := s.identitiesByRemote[remoteKey{issuer, subject}]
		if !ok {
			err = storage.ErrNotFound
			return
		}
		out = s.identities[id]
	})
	return out, err
}

func (s *memStorage) UpsertRemoteIdentity(_ context.Context, issuer, subject string) (out storage.Identity, created bool, err error) {
	s.tx(func() {
		key := remoteKey{issuer, subject}
		if id, ok := s.identitiesByRemote[key]; ok {
			out = s.identities[id]
			return
		}
		now := time.Now().UTC()
		i := storage.Identity{
			ID:         storage.NewID(),
			Kind:       storage.IdentityRemote,
			Issuer:     issuer,
			Subject:    subject,
			CreatedAt:  now,
			ModifiedAt: now,
		}
		s.identities[i.ID] = i
		s.identitiesByRemote[key] = i.ID
		out = i
		created = true
	})
	return out, created, err
}

func (s *memStorage) DeleteIdentity(_ context.Context, id string) (err error) {
	s.tx(func() {
		i, ok := s.identities[id]
		if !ok {
			err = storage.ErrNotFound
			return
		}
		delete(s.identities, id)
		if i.Kind == storage.IdentityRemote {
			delete(s.identitiesByRemote, remoteKey{i.Issuer, i.Subject})
		}
		for fid, f := range s.factors {
			if f.IdentityID != id {
				continue
			}
			s.deleteFactorLocked(fid)
		}
		for pid, p := range s.pkce {
			if p.IdentityID == id {
				delete(s.pkceByChallenge, p.Challenge)
				delete(s.pkce, pid)
			}
		}
	})
	return err
}

// --- Factor ---

func (s *memStorage) CreateFactor(_ context.Context, f storage.Factor) (out storage.Factor, err error) {
	s.tx(func() {
		if f.Kind == storage.FactorWebAuthn {
			for _, existing := range s.factors {
				if existing.Kind != storage.FactorWebAuthn || existing.Email != f.Email {
					continue
				}
				if string(existing.UserHandle) != string(f.UserHandle) {
					err = storage.ErrAssertionFailed
					return
				}
			}
			for _, existing := range s.factors {
				if existing.Kind == storage.FactorWebAuthn && string(existing.CredentialID) == string(f.CredentialID) {
					err = storage.ErrUniqueViolation
					return
				}
			}
		}
		if f.ID == "" {
			f.ID = storage.NewID()
		}
		if _, ok := s.factors[f.ID]; ok {
			err = storage.ErrAlreadyExists
			return
		}
		now := time.Now().UTC()
		f.CreatedAt, f.ModifiedAt = now, now
		s.factors[f.ID] = f
		out = f
	})
	return out, err
}

func (s *memStorage) GetFactor(_ context.Context, id string) (out storage.Factor, err error) {
	s.tx(func() {
		f, ok := s.factors[id]
		if !ok {
			err = storage.ErrNotFound
			return
		}
		out = f
	})
	return out, err
}

func (s *memStorage) GetFactorByEmail(_ context.Context, kind storage.FactorKind, email string) (out storage.Factor, err error) {
	s.tx(func() {
		for _, f := range s.factors {
			if f.Kind == kind && f.Email == email {
				out = f
				return
			}
		}
		err = storage.ErrNotFound
	})
	return out, err
}

func (s *memStorage) GetFactorByCredentialID(_ context.Context, credentialID []byte) (out storage.Factor, err error) {
	s.tx(func() {
		for _, f := range s.factors {
			if f.Kind == storage.FactorWebAuthn && string(f.CredentialID) == string(credentialID) {
				out = f
				return
			}
		}
		err = storage.ErrNotFound
	})
	return out, err
}

func (s *memStorage) ListFactorsByEmail(_ context.Context, email string) (out []storage.Factor, err error) {
	s.tx(func() {
		for _, f := range s.factors {
			if f.Email == email {
				out = append(out, f)
			}
		}
	})
	sortFactors(out)
	return out, err
}

func (s *memStorage) ListFactorsByIdentity(_ context.Context, identityID string) (out []storage.Factor, err error) {
	s.tx(func() {
		for _, f := range s.factors {
			if f.IdentityID == identityID {
				out = append(out, f)
			}
		}
	})
	sortFactors(out)
	return out, err
}

func sortFactors(fs []storage.Factor) {
	sort.Slice(fs, func(i, j int) bool { return fs[i].ID < fs[j].ID })
}

func (s *memStorage) UpdateFactor(_ context.Context, id string, updater func(storage.Factor) (storage.Factor, error)) (out storage.Factor, err error) {
	s.tx(func() {
		old, ok := s.factors[id]
		if !ok {
			err = storage.ErrNotFound
			return
		}
		updated, uerr := updater(old)
		if uerr != nil {
			err = uerr
			return
		}
		updated.ID = id
		updated.ModifiedAt = time.Now().UTC()
		s.factors[id] = updated
		out = updated
	})
	return out, err
}

func (s *memStorage) DeleteFactor(_ context.Context, id string) (err error) {
	s.tx(func() {
		if _, ok := s.factors[id]; !ok {
			err = storage.ErrNotFound
			return
		}
		s.deleteFactorLocked(id)
	})
	return err
}

// deleteFactorLocked removes a factor and everything that cascades from it.
// Caller must hold s.mu.
func (s *memStorage) deleteFactorLocked(id string) {
	delete(s.factors, id)
	for oid, o := range s.otcs {
		if o.FactorID == id {
			delete(s.otcs, oid)
		}
	}
	for aid, a := range s.attempts {
		if a.FactorID == id {
			delete(s.attempts, aid)
		}
	}
}

// --- One-time codes ---

func (s *memStorage) CreateOneTimeCode(_ context.Context, o storage.OneTimeCode) (out storage.OneTimeCode, err error) {
	s.tx(func() {
		for _, existing := range s.otcs {
			if existing.CodeHash == o.CodeHash {
				err = storage.ErrUniqueViolation
				return
			}
		}
		if o.ID == "" {
			o.ID = storage.NewID()
		}
		o.CreatedAt = time.Now().UTC()
		s.otcs[o.ID] = o
		out = o
	})
	return out, err
}

func (s *memStorage) ListOneTimeCodesByFactor(_ context.Context, factorID string) (out []storage.OneTimeCode, err error) {
	s.tx(func() {
		for _, o := range s.otcs {
			if o.FactorID == factorID {
				out = append(out, o)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, err
}

func (s *memStorage) DeleteOneTimeCode(_ context.Context, id string) (err error) {
	s.tx(func() {
		if _, ok := s.otcs[id]; !ok {
			err = storage.ErrNotFound
			return
		}
		delete(s.otcs, id)
	})
	return err
}

func (s *memStorage) DeleteOneTimeCodes(_ context.Context, ids []string) error {
	s.tx(func() {
		for _, id := range ids {
			delete(s.otcs, id)
		}
	})
	return nil
}

// --- Authentication attempts ---

func (s *memStorage) CreateAuthenticationAttempt(_ context.Context, a storage.AuthenticationAttempt) (out storage.AuthenticationAttempt, err error) {
	s.tx(func() {
		if a.ID == "" {
			a.ID = storage.NewID()
		}
		a.CreatedAt = time.Now().UTC()
		s.attempts[a.ID] = a
		out = a
	})
	return out, err
}

func (s *memStorage) CountFailedAttemptsSince(_ context.Context, factorID string, since time.Time) (count int, err error) {
	s.tx(func() {
		for _, a := range s.attempts {
			if a.FactorID == factorID && !a.Successful && !a.CreatedAt.Before(since) {
				count++
			}
		}
	})
	return count, err
}

// --- PKCE ---

func (s *memStorage) CreatePKCEChallenge(_ context.Context, p storage.PKCEChallenge) (out storage.PKCEChallenge, err error) {
	s.tx(func() {
		if existingID, ok := s.pkceByChallenge[p.Challenge]; ok {
			out = s.pkce[existingID]
			return
		}
		if p.ID == "" {
			p.ID = storage.NewID()
		}
		p.CreatedAt = time.Now().UTC()
		s.pkce[p.ID] = p
		s.pkceByChallenge[p.Challenge] = p.ID
		out = p
	})
	return out, err
}

func (s *memStorage) GetPKCEChallenge(_ context.Context, id string) (out storage.PKCEChallenge, err error) {
	s.tx(func() {
		p, ok := s.pkce[id]
		if !ok {
			err = storage.ErrNotFound
			return
		}
		out = p
	})
	return out, err
}

func (s *memStorage) BindPKCEChallenge(_ context.Context, id, identityID, authToken, refreshToken, idToken string) (out storage.PKCEChallenge, err error) {
	s.tx(func() {
		p, ok := s.pkce[id]
		if !ok {
			err = storage.ErrNotFound
			return
		}
		p.IdentityID = identityID
		p.AuthToken = authToken
		p.RefreshToken = refreshToken
		p.IDToken = idToken
		s.pkce[id] = p
		out = p
	})
	return out, err
}

func (s *memStorage) ClaimPKCEChallenge(_ context.Context, id string) (out storage.PKCEChallenge, err error) {
	s.tx(func() {
		p, ok := s.pkce[id]
		if !ok {
			err = storage.ErrNotFound
			return
		}
		delete(s.pkce, id)
		delete(s.pkceByChallenge, p.Challenge)
		out = p
	})
	return out, err
}

// --- WebAuthn challenges ---

func (s *memStorage) CreateWebAuthnRegistrationChallenge(_ context.Context, c storage.WebAuthnRegistrationChallenge) (out storage.WebAuthnRegistrationChallenge, err error) {
	s.tx(func() {
		if c.ID == "" {
			c.ID = storage.NewID()
		}
		c.CreatedAt = time.Now().UTC()
		s.webauthnReg[c.ID] = c
		out = c
	})
	return out, err
}

func (s *memStorage) ClaimWebAuthnRegistrationChallenge(_ context.Context, id string) (out storage.WebAuthnRegistrationChallenge, err error) {
	s.tx(func() {
		c, ok := s.webauthnReg[id]
		if !ok {
			err = storage.ErrNotFound
			return
		}
		delete(s.webauthnReg, id)
		out = c
	})
	return out, err
}

func (s *memStorage) CreateWebAuthnAuthenticationChallenge(_ context.Context, c storage.WebAuthnAuthenticationChallenge) (out storage.WebAuthnAuthenticationChallenge, err error) {
	s.tx(func() {
		if c.ID == "" {
			c.ID = storage.NewID()
		}
		c.CreatedAt = time.Now().UTC()
		s.webauthnAuth[c.ID] = c
		out = c
	})
	return out, err
}

func (s *memStorage) ClaimWebAuthnAuthenticationChallenge(_ context.Context, id string) (out storage.WebAuthnAuthenticationChallenge, err error) {
	s.tx(func() {
		c, ok := s.webauthnAuth[id]
		if !ok {
			err = storage.ErrNotFound
			return
		}
		delete(s.webauthnAuth, id)
		out = c
	})
	return out, err
}

// --- Garbage collection ---

func (s *memStorage) GarbageCollect(_ context.Context, now time.Time) (result storage.GCResult, err error) {
	s.tx(func() {
		for id, o := range s.otcs {
			if now.After(o.ExpiresAt) {
				delete(s.otcs, id)
				result.OneTimeCodes++
			}
		}
		for id, c := range s.webauthnReg {
			if now.Sub(c.CreatedAt) > webauthnChallengeTTL {
				delete(s.webauthnReg, id)
				result.WebAuthnRegistrationChallenges++
			}
		}
		for id, c := range s.webauthnAuth {
			if now.Sub(c.CreatedAt) > webauthnChallengeTTL {
				delete(s.webauthnAuth, id)
				result.WebAuthnAuthenticationChallenges++
			}
		}
	})
	s.logger.Debug("garbage collection complete",
		"otcs", result.OneTimeCodes,
		"webauthn_registration_challenges", result.WebAuthnRegistrationChallenges,
		"webauthn_authentication_challenges", result.WebAuthnAuthenticationChallenges)
	return result, err
}

// webauthnChallengeTTL bounds how long a registration/authentication
// challenge may sit unconsumed before a sweep reclaims it. PKCEChallenges
// are not swept: ClaimPKCEChallenge has no expiry check, and a row stays
// until it is claimed or its bound identity is deleted.
const webauthnChallengeTTL = 5 * time.Minute

package testutils

import (
	"context"
	"errors"
	"sync"

	"github.com/blockadesystems/certforge/internal/acme"
)

// ErrStubNotConfigured is returned by StubACME for calls a test did not set up.
var ErrStubNotConfigured = errors.New("testutils: stub ACME call not configured")

// StubACME is an acme.Client answering from fixed challenge and order state.
// It never issues certificates; tests that need issuance use a full fake.
type StubACME struct {
	mu         sync.Mutex
	EnsureErr  error
	Challenges map[string]*acme.Challenge // by challenge URL
	Orders     map[string]*acme.Order     // by order URL
	// AuthzErr is returned by WaitForValidStatus.
	AuthzErr error
	Calls    []string
}

func NewStubACME() *StubACME {
	return &StubACME{
		Challenges: make(map[string]*acme.Challenge),
		Orders:     make(map[string]*acme.Order),
	}
}

func (s *StubACME) record(call string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = append(s.Calls, call)
}

// CallCount returns how many client calls were made.
func (s *StubACME) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Calls)
}

func (s *StubACME) EnsureAccount(context.Context) error {
	s.record("EnsureAccount")
	if s.EnsureErr != nil {
		return s.EnsureErr
	}
	return ErrStubNotConfigured
}

func (s *StubACME) CreateOrder(context.Context, string) (*acme.Order, error) {
	s.record("CreateOrder")
	return nil, ErrStubNotConfigured
}

func (s *StubACME) GetOrder(_ context.Context, orderURL string) (*acme.Order, error) {
	s.record("GetOrder")
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.Orders[orderURL]; ok {
		return o, nil
	}
	return nil, ErrStubNotConfigured
}

func (s *StubACME) GetAuthorizations(context.Context, *acme.Order) ([]*acme.Authorization, error) {
	s.record("GetAuthorizations")
	return nil, ErrStubNotConfigured
}

func (s *StubACME) GetChallenge(_ context.Context, challengeURL string) (*acme.Challenge, error) {
	s.record("GetChallenge")
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.Challenges[challengeURL]; ok {
		return ch, nil
	}
	return nil, ErrStubNotConfigured
}

func (s *StubACME) KeyAuthorization(_ context.Context, token string) (string, error) {
	return token + ".stub", nil
}

func (s *StubACME) CompleteChallenge(context.Context, *acme.Challenge) error {
	s.record("CompleteChallenge")
	return nil
}

func (s *StubACME) WaitForValidStatus(context.Context, string) error {
	s.record("WaitForValidStatus")
	return s.AuthzErr
}

func (s *StubACME) FinalizeOrder(context.Context, string, []byte) (string, error) {
	s.record("FinalizeOrder")
	return "", ErrStubNotConfigured
}

func (s *StubACME) GetCertificate(context.Context, string) ([][]byte, error) {
	s.record("GetCertificate")
	return nil, ErrStubNotConfigured
}

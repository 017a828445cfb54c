package acme

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	xacme "golang.org/x/crypto/acme"

	"github.com/blockadesystems/certforge/internal/certutil"
	"github.com/blockadesystems/certforge/internal/storage"
)

type stubRegistrar struct {
	mu            sync.Mutex
	exists        bool
	registerErr   error
	getRegCalls   int
	registerCalls int
}

func (s *stubRegistrar) GetReg(context.Context, string) (*xacme.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getRegCalls++
	if !s.exists {
		return nil, xacme.ErrNoAccount
	}
	return &xacme.Account{URI: "https://acme.test/acct/1"}, nil
}

func (s *stubRegistrar) Register(_ context.Context, acct *xacme.Account, _ func(string) bool) (*xacme.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registerCalls++
	s.exists = true
	if s.registerErr != nil {
		return nil, s.registerErr
	}
	return &xacme.Account{URI: "https://acme.test/acct/1", Contact: acct.Contact}, nil
}

func newTestClient(t *testing.T, reg *stubRegistrar) (*ACMEClient, storage.Storage) {
	t.Helper()
	kv, err := storage.NewDirKV(t.TempDir())
	require.NoError(t, err)
	store := storage.NewKVStorage(kv)

	c := NewACMEClient(store, Options{DirectoryURL: "https://acme.test/directory", ContactEmail: "ops@example.com"})
	c.newRegistrar = func(*xacme.Client) registrar { return reg }
	return c, store
}

func TestKeyAuthorizationMatchesProtocolLibrary(t *testing.T) {
	for _, kt := range []string{"P256", "2048"} {
		key, err := certutil.GenerateKey(kt)
		require.NoError(t, err)

		want, err := (&xacme.Client{Key: key}).HTTP01ChallengeResponse("token-abc")
		require.NoError(t, err)

		got, err := KeyAuthorization(key, "token-abc")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestEnsureAccountRegistersOnceUnderConcurrency(t *testing.T) {
	reg := &stubRegistrar{}
	c, store := newTestClient(t, reg)

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- c.EnsureAccount(context.Background())
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, 1, reg.registerCalls)
	assert.Equal(t, 1, reg.getRegCalls)
	assert.Equal(t, "https://acme.test/acct/1", c.accountURL)

	keyPEM, err := store.GetAccountKey(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, keyPEM, "account key must be persisted lazily")
}

func TestEnsureAccountResolvesRegistrationRace(t *testing.T) {
	reg := &stubRegistrar{registerErr: xacme.ErrAccountAlreadyExists}
	c, _ := newTestClient(t, reg)

	require.NoError(t, c.EnsureAccount(context.Background()))
	assert.Equal(t, 1, reg.registerCalls)
	assert.Equal(t, 2, reg.getRegCalls)
}

func TestEnsureAccountReusesStoredKey(t *testing.T) {
	reg := &stubRegistrar{exists: true}
	c, store := newTestClient(t, reg)

	key, err := certutil.GenerateKey("P256")
	require.NoError(t, err)
	keyPEM, err := certutil.EncodePrivateKey(key)
	require.NoError(t, err)
	require.NoError(t, store.SaveAccountKey(context.Background(), keyPEM))

	require.NoError(t, c.EnsureAccount(context.Background()))
	assert.Equal(t, 0, reg.registerCalls)

	want, err := KeyAuthorization(key, "t")
	require.NoError(t, err)
	got, err := c.KeyAuthorization(context.Background(), "t")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestEnsureAccountSurfacesRegistrationFailure(t *testing.T) {
	reg := &stubRegistrar{registerErr: &xacme.Error{StatusCode: 400, ProblemType: "urn:ietf:params:acme:error:invalidContact", Detail: "bad contact"}}
	c, _ := newTestClient(t, reg)

	err := c.EnsureAccount(context.Background())
	var pe *ProblemError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "bad contact", pe.Detail)
	assert.False(t, c.registered)
}

func TestClassify(t *testing.T) {
	t.Run("server error is transport", func(t *testing.T) {
		err := classify("create order", &xacme.Error{StatusCode: 503, Detail: "down"})
		assert.ErrorIs(t, err, ErrTransport)
	})
	t.Run("network error is transport", func(t *testing.T) {
		err := classify("create order", errors.New("dial tcp 10.0.0.1:443: connect: connection refused"))
		assert.ErrorIs(t, err, ErrTransport)
	})
	t.Run("problem document", func(t *testing.T) {
		err := classify("create order", &xacme.Error{StatusCode: 400, ProblemType: "urn:ietf:params:acme:error:rejectedIdentifier", Detail: "forbidden name"})
		var pe *ProblemError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, "forbidden name", pe.Detail)
		assert.NotErrorIs(t, err, ErrTransport)
	})
	t.Run("invalid authorization", func(t *testing.T) {
		err := classify("wait", &xacme.AuthorizationError{
			URI:        "https://acme.test/authz/1",
			Identifier: "example.org",
			Errors:     []error{&xacme.Error{Detail: "Invalid response from http://example.org/.well-known/acme-challenge/x: 404"}},
		})
		var ve *ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, "example.org", ve.Domain)
		assert.Contains(t, ve.Detail, "404")
	})
	t.Run("invalid order", func(t *testing.T) {
		err := classify("finalize", &xacme.OrderError{OrderURL: "https://acme.test/order/1", Status: "invalid"})
		var pe *ProblemError
		require.ErrorAs(t, err, &pe)
		assert.Contains(t, pe.Detail, "invalid")
	})
	t.Run("cancellation is preserved", func(t *testing.T) {
		err := classify("wait", context.Canceled)
		assert.ErrorIs(t, err, context.Canceled)
		assert.NotErrorIs(t, err, ErrTransport)
	})
	t.Run("nil", func(t *testing.T) {
		assert.NoError(t, classify("noop", nil))
	})
}

func TestAuthorizationFind(t *testing.T) {
	a := &Authorization{Challenges: []*Challenge{{Type: "dns-01", Token: "d"}, {Type: "http-01", Token: "h"}}}
	require.NotNil(t, a.Find("http-01"))
	assert.Equal(t, "h", a.Find("http-01").Token)
	assert.Nil(t, a.Find("tls-alpn-01"))
}

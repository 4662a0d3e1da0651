package keyvault

import (
	"context"
	"crypto"
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	abcrypto "github.com/and161185/authbridge/internal/crypto"
	"github.com/and161185/authbridge/internal/errs"
	"github.com/and161185/authbridge/internal/model"
	"github.com/and161185/authbridge/internal/repository/memory"
)

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	vault *Vault
	store *memory.Store
	clock *testclock.Clock
}

func newFixture(t *testing.T, alg string) fixture {
	t.Helper()
	clk := testclock.NewClock(epoch)
	store := memory.New(clk)
	ctx := context.Background()
	for _, id := range []string{"svc-a", "svc-b"} {
		require.NoError(t, store.CreateService(ctx, &model.Service{ID: id, Name: id, Type: "ai", APIKey: "key-" + id}))
	}
	sealer, err := abcrypto.NewSealer([]byte("0123456789abcdef0123456789abcdef"), []byte("salt"))
	require.NoError(t, err)
	v := New(store, sealer, Options{
		Algorithm:        alg,
		RetirementWindow: time.Hour,
		MaxRetired:       3,
		Clock:            clk,
		Logger:           zaptest.NewLogger(t),
	})
	return fixture{vault: v, store: store, clock: clk}
}

func verifyWith(t *testing.T, v *Vault, serviceID, token string) (jwt.MapClaims, error) {
	t.Helper()
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(tok *jwt.Token) (any, error) {
		kid, _ := tok.Header["kid"].(string)
		pub, _, err := v.ResolveKey(context.Background(), serviceID, kid)
		return pub, err
	}, jwt.WithTimeFunc(v.now))
	return claims, err
}

func TestVault_EnsureKeypairIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "ES256")
	ctx := context.Background()

	kid1, err := f.vault.EnsureKeypair(ctx, "svc-a")
	require.NoError(t, err)
	kid2, err := f.vault.EnsureKeypair(ctx, "svc-a")
	require.NoError(t, err)
	require.Equal(t, kid1, kid2)

	set, err := f.vault.PublicKeys(ctx, "svc-a")
	require.NoError(t, err)
	require.Equal(t, 1, set.Len())
	k, ok := set.LookupKeyID(kid1)
	require.True(t, ok)
	require.Equal(t, "ES256", k.Algorithm().String())

	// the kid is the key's own RFC 7638 thumbprint
	tp, err := k.Thumbprint(crypto.SHA256)
	require.NoError(t, err)
	require.Equal(t, kid1, base64.RawURLEncoding.EncodeToString(tp))
}

func TestVault_ConcurrentEnsureCreatesOneKey(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "ES256")
	ctx := context.Background()

	var wg sync.WaitGroup
	kids := make([]string, 8)
	for i := range kids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			kid, err := f.vault.EnsureKeypair(ctx, "svc-b")
			if err == nil {
				kids[i] = kid
			}
		}()
	}
	wg.Wait()
	for _, kid := range kids {
		require.Equal(t, kids[0], kid)
	}
	n, err := f.store.CountKeys(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestVault_SignAndVerify(t *testing.T) {
	t.Parallel()
	for _, alg := range []string{"ES256", "RS256"} {
		t.Run(alg, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, alg)
			ctx := context.Background()
			_, err := f.vault.EnsureKeypair(ctx, "svc-a")
			require.NoError(t, err)

			tok, kid, err := f.vault.Sign(ctx, "svc-a", jwt.MapClaims{"iss": "svc-a", "exp": epoch.Add(time.Minute).Unix()})
			require.NoError(t, err)
			require.NotEmpty(t, kid)

			claims, err := verifyWith(t, f.vault, "svc-a", tok)
			require.NoError(t, err)
			require.Equal(t, "svc-a", claims["iss"])
		})
	}
}

func TestVault_RotationGraceWindow(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "ES256")
	ctx := context.Background()

	oldKID, err := f.vault.EnsureKeypair(ctx, "svc-a")
	require.NoError(t, err)
	oldTok, _, err := f.vault.Sign(ctx, "svc-a", jwt.MapClaims{"iss": "svc-a"})
	require.NoError(t, err)

	newKID, err := f.vault.Rotate(ctx, "svc-a")
	require.NoError(t, err)
	require.NotEqual(t, oldKID, newKID)

	newTok, kid, err := f.vault.Sign(ctx, "svc-a", jwt.MapClaims{"iss": "svc-a"})
	require.NoError(t, err)
	require.Equal(t, newKID, kid)

	// inside the window both keys verify and both are published
	_, err = verifyWith(t, f.vault, "svc-a", oldTok)
	require.NoError(t, err)
	_, err = verifyWith(t, f.vault, "svc-a", newTok)
	require.NoError(t, err)
	set, err := f.vault.PublicKeys(ctx, "svc-a")
	require.NoError(t, err)
	require.Equal(t, 2, set.Len())

	f.clock.Advance(time.Hour + time.Second)

	_, _, err = f.vault.ResolveKey(ctx, "svc-a", oldKID)
	require.ErrorIs(t, err, errs.ErrUnknownKey)
	_, err = verifyWith(t, f.vault, "svc-a", newTok)
	require.NoError(t, err)
	set, err = f.vault.PublicKeys(ctx, "svc-a")
	require.NoError(t, err)
	require.Equal(t, 1, set.Len())
}

func TestVault_RotateWithoutKeyCreatesOne(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "ES256")

	kid, err := f.vault.Rotate(context.Background(), "svc-b")
	require.NoError(t, err)
	require.NotEmpty(t, kid)
}

func TestVault_SignKeyUnavailable(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "ES256")
	ctx := context.Background()

	_, _, err := f.vault.Sign(ctx, "svc-a", jwt.MapClaims{})
	require.ErrorIs(t, err, errs.ErrKeyUnavailable, "no keypair yet")

	_, err = f.vault.EnsureKeypair(ctx, "svc-a")
	require.NoError(t, err)

	wrong, err := abcrypto.NewSealer([]byte("a completely different master secret"), []byte("salt"))
	require.NoError(t, err)
	other := New(f.store, wrong, Options{Clock: f.clock})
	_, _, err = other.Sign(ctx, "svc-a", jwt.MapClaims{})
	require.ErrorIs(t, err, errs.ErrKeyUnavailable)
}

func TestVault_JWKSAllAndJanitor(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "ES256")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, id := range []string{"svc-a", "svc-b"} {
		_, err := f.vault.EnsureKeypair(ctx, id)
		require.NoError(t, err)
	}
	_, err := f.vault.Rotate(ctx, "svc-a")
	require.NoError(t, err)

	all, err := f.vault.JWKSAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, all.Len())

	done := make(chan struct{})
	go func() {
		f.vault.RunJanitor(ctx, 10*time.Minute)
		close(done)
	}()

	// move past the retirement window, then let the janitor tick
	f.clock.Advance(50 * time.Minute)
	require.NoError(t, f.clock.WaitAdvance(11*time.Minute, time.Second, 1))
	require.Eventually(t, func() bool {
		n, _ := f.store.CountKeys(context.Background())
		return n == 2
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

package nonce

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/acmetk/acme-broker/test"
)

func newTestService(t *testing.T, remote RedemptionStore) *NonceService {
	t.Helper()
	ns, err := NewNonceService(prometheus.NewRegistry(), remote)
	test.AssertNotError(t, err, "Could not create nonce service")
	return ns
}

func TestValidNonce(t *testing.T) {
	ns := newTestService(t, nil)
	n, err := ns.Nonce()
	test.AssertNotError(t, err, "Could not create nonce")
	test.Assert(t, ns.Valid(n), "Did not recognize fresh nonce")
}

func TestAlreadyUsed(t *testing.T) {
	ns := newTestService(t, nil)
	n, err := ns.Nonce()
	test.AssertNotError(t, err, "Could not create nonce")
	test.Assert(t, ns.Valid(n), "Did not recognize fresh nonce")
	test.Assert(t, !ns.Valid(n), "Recognized the same nonce twice")
}

func TestConcurrentRedemption(t *testing.T) {
	ns := newTestService(t, nil)
	n, err := ns.Nonce()
	test.AssertNotError(t, err, "Could not create nonce")

	// Many goroutines replay the same nonce; exactly one redemption may
	// succeed.
	const goroutines = 16
	var wg sync.WaitGroup
	var redeemed int32
	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ns.Valid(n) {
				atomic.AddInt32(&redeemed, 1)
			}
		}()
	}
	wg.Wait()
	test.AssertEquals(t, atomic.LoadInt32(&redeemed), int32(1))
}

func TestRejectsGarbage(t *testing.T) {
	ns := newTestService(t, nil)
	test.Assert(t, !ns.Valid("asdf"), "Accepted garbage nonce")
	test.Assert(t, !ns.Valid(""), "Accepted empty nonce")
}

func TestRejectsOtherServicesNonce(t *testing.T) {
	ns1 := newTestService(t, nil)
	ns2 := newTestService(t, nil)

	n, err := ns1.Nonce()
	test.AssertNotError(t, err, "Could not create nonce")
	test.Assert(t, !ns2.Valid(n), "Accepted a foreign nonce")
}

func TestRetirement(t *testing.T) {
	ns := newTestService(t, nil)
	ns.maxUsed = 2

	n1, err := ns.Nonce()
	test.AssertNotError(t, err, "Could not create nonce")
	n2, err := ns.Nonce()
	test.AssertNotError(t, err, "Could not create nonce")
	n3, err := ns.Nonce()
	test.AssertNotError(t, err, "Could not create nonce")

	// Redeeming out of order, then overflowing the cross-off list, retires
	// the oldest counter value.
	test.Assert(t, ns.Valid(n2), "Did not recognize nonce")
	test.Assert(t, ns.Valid(n3), "Did not recognize nonce")
	test.Assert(t, ns.Valid(n1), "Did not recognize nonce")
	test.Assert(t, !ns.Valid(n1), "Recognized the same nonce twice")
}

type fakeStore struct {
	seen map[string]bool
	err  error
}

func (f *fakeStore) Mark(_ context.Context, nonce string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	if f.seen[nonce] {
		return false, nil
	}
	f.seen[nonce] = true
	return true, nil
}

func TestRedeemRemote(t *testing.T) {
	store := &fakeStore{seen: map[string]bool{}}
	ns := newTestService(t, store)

	n, err := ns.Nonce()
	test.AssertNotError(t, err, "Could not create nonce")
	test.Assert(t, ns.Redeem(context.Background(), n), "Did not redeem fresh nonce")
	test.Assert(t, !ns.Redeem(context.Background(), n), "Redeemed the same nonce twice")
}

func TestRedeemRemoteConflict(t *testing.T) {
	store := &fakeStore{seen: map[string]bool{}}
	ns := newTestService(t, store)

	n, err := ns.Nonce()
	test.AssertNotError(t, err, "Could not create nonce")
	// Simulate a sibling replica having redeemed the nonce first.
	store.seen[n] = true
	test.Assert(t, !ns.Redeem(context.Background(), n), "Redeemed a nonce already used at a sibling")
}

func TestRedeemRemoteError(t *testing.T) {
	store := &fakeStore{seen: map[string]bool{}, err: errors.New("connection refused")}
	ns := newTestService(t, store)

	n, err := ns.Nonce()
	test.AssertNotError(t, err, "Could not create nonce")
	test.Assert(t, ns.Redeem(context.Background(), n), "Store error rejected a locally valid nonce")
}

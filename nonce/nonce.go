// Package nonce implements a service for generating and redeeming nonces.
// To generate a nonce, it encrypts a monotonically increasing counter (latest)
// using an authenticated cipher. To redeem a nonce, it checks that the nonce
// decrypts to a valid integer between the earliest and latest counter values,
// and that it's not on the cross-off list. To avoid a constantly growing cross-off
// list, the nonce service periodically retires the oldest counter values by
// finding the lowest counter value in the cross-off list, deleting it, and setting
// "earliest" to its value. To make this efficient, the cross-off list is represented
// two ways: Once as a map, for quick lookup of a given value, and once as a heap,
// to quickly find the lowest value.
// The MaxUsed value determines how long a generated nonce can be used before it
// is forgotten. To calculate that period, divide the MaxUsed value by average
// redemption rate (valid POSTs per second).
//
// When several broker replicas run behind one load balancer, a nonce issued
// by one replica may be redeemed at another. A NonceService can be given a
// RedemptionStore (backed by Redis) which records every redemption, so a
// nonce accepted by one replica cannot be replayed at its siblings.
package nonce

import (
	"container/heap"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"math/big"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// MaxUsed defines the maximum number of Nonces we're willing to hold in
// memory.
const MaxUsed = 65536
const nonceLen = 32

var errInvalidNonceLength = errors.New("invalid nonce length")

// A RedemptionStore records nonce redemptions shared across replicas. Mark
// returns false if the nonce was already redeemed elsewhere. Implementations
// must be safe for concurrent use.
type RedemptionStore interface {
	Mark(ctx context.Context, nonce string) (bool, error)
}

// NonceService generates, cancels, and tracks Nonces.
type NonceService struct {
	mu       sync.Mutex
	latest   int64
	earliest int64
	used     map[int64]bool
	usedHeap *int64Heap
	gcm      cipher.AEAD
	maxUsed  int
	remote   RedemptionStore
	counter  *prometheus.CounterVec
}

type int64Heap []int64

func (h int64Heap) Len() int           { return len(h) }
func (h int64Heap) Less(i, j int) bool { return h[i] < h[j] }
func (h int64Heap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *int64Heap) Push(x interface{}) {
	*h = append(*h, x.(int64))
}

func (h *int64Heap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[0 : n-1]
	return x
}

// NewNonceService constructs a NonceService with defaults. The remote
// redemption store may be nil, in which case redemptions are only tracked
// locally.
func NewNonceService(stats prometheus.Registerer, remote RedemptionStore) (*NonceService, error) {
	key := make([]byte, 16)
	_, err := rand.Read(key)
	if err != nil {
		return nil, err
	}

	c, err := aes.NewCipher(key)
	if err != nil {
		panic("Failure in NewCipher: " + err.Error())
	}
	gcm, err := cipher.NewGCM(c)
	if err != nil {
		panic("Failure in NewGCM: " + err.Error())
	}

	counter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nonce_redemptions",
		Help: "Count of nonce generations and redemption outcomes",
	}, []string{"result"})
	stats.MustRegister(counter)

	return &NonceService{
		earliest: 0,
		latest:   0,
		used:     make(map[int64]bool, MaxUsed),
		usedHeap: &int64Heap{},
		gcm:      gcm,
		maxUsed:  MaxUsed,
		remote:   remote,
		counter:  counter,
	}, nil
}

func (ns *NonceService) encrypt(counter int64) (string, error) {
	// Generate a nonce with upper 4 bytes zero
	nonce := make([]byte, 12)
	for i := range 4 {
		nonce[i] = 0
	}
	_, err := rand.Read(nonce[4:])
	if err != nil {
		return "", err
	}

	// Encode counter to plaintext
	pt := make([]byte, 8)
	ctr := big.NewInt(counter)
	pad := 8 - len(ctr.Bytes())
	copy(pt[pad:], ctr.Bytes())

	// Encrypt
	ret := make([]byte, nonceLen)
	ct := ns.gcm.Seal(nil, nonce, pt, nil)
	copy(ret, nonce[4:])
	copy(ret[8:], ct)
	return base64.RawURLEncoding.EncodeToString(ret), nil
}

func (ns *NonceService) decrypt(nonce string) (int64, error) {
	decoded, err := base64.RawURLEncoding.DecodeString(nonce)
	if err != nil {
		return 0, err
	}
	if len(decoded) != nonceLen {
		return 0, errInvalidNonceLength
	}

	n := make([]byte, 12)
	for i := range 4 {
		n[i] = 0
	}
	copy(n[4:], decoded[:8])

	pt, err := ns.gcm.Open(nil, n, decoded[8:], nil)
	if err != nil {
		return 0, err
	}

	ctr := big.NewInt(0)
	ctr.SetBytes(pt)
	return ctr.Int64(), nil
}

// Nonce provides a new Nonce.
func (ns *NonceService) Nonce() (string, error) {
	ns.mu.Lock()
	ns.latest++
	latest := ns.latest
	ns.mu.Unlock()
	defer ns.counter.WithLabelValues("generated").Inc()
	return ns.encrypt(latest)
}

// Valid determines whether the provided Nonce string is valid, returning
// true if so. Validity is tracked only in this replica's memory; use Redeem
// when a RedemptionStore is configured.
func (ns *NonceService) Valid(nonce string) bool {
	c, err := ns.decrypt(nonce)
	if err != nil {
		ns.counter.WithLabelValues("invalid_decrypt").Inc()
		return false
	}

	ns.mu.Lock()
	defer ns.mu.Unlock()
	if c > ns.latest {
		ns.counter.WithLabelValues("invalid_too_high").Inc()
		return false
	}

	if c <= ns.earliest {
		ns.counter.WithLabelValues("invalid_too_low").Inc()
		return false
	}

	if ns.used[c] {
		ns.counter.WithLabelValues("invalid_already_used").Inc()
		return false
	}

	ns.used[c] = true
	heap.Push(ns.usedHeap, c)
	if len(ns.used) > ns.maxUsed {
		ns.earliest = heap.Pop(ns.usedHeap).(int64)
		delete(ns.used, ns.earliest)
	}

	ns.counter.WithLabelValues("valid").Inc()
	return true
}

// Redeem validates the nonce locally, then marks it redeemed in the shared
// store if one is configured. A nonce redeemed at a sibling replica is
// rejected here. A store error does not reject the request, since local
// validation already succeeded.
func (ns *NonceService) Redeem(ctx context.Context, nonce string) bool {
	if !ns.Valid(nonce) {
		return false
	}
	if ns.remote == nil {
		return true
	}
	fresh, err := ns.remote.Mark(ctx, nonce)
	if err != nil {
		ns.counter.WithLabelValues("remote_error").Inc()
		return true
	}
	if !fresh {
		ns.counter.WithLabelValues("invalid_redeemed_remotely").Inc()
		return false
	}
	return true
}

// Package goodkey checks public keys against strength and provenance
// requirements before the broker will associate them with an account or
// accept them in a CSR.
package goodkey

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"fmt"
	"math/big"
	"sync"

	"github.com/titanous/rocacheck"

	berrors "github.com/acmetk/acme-broker/errors"
)

// To generate, run: primes 2 752 | tr '\n' ,
var smallPrimeInts = []int64{
	2, 3, 5, 7, 11, 13, 17, 19, 23, 29, 31, 37, 41, 43, 47,
	53, 59, 61, 67, 71, 73, 79, 83, 89, 97, 101, 103, 107,
	109, 113, 127, 131, 137, 139, 149, 151, 157, 163, 167,
	173, 179, 181, 191, 193, 197, 199, 211, 223, 227, 229,
	233, 239, 241, 251, 257, 263, 269, 271, 277, 281, 283,
	293, 307, 311, 313, 317, 331, 337, 347, 349, 353, 359,
	367, 373, 379, 383, 389, 397, 401, 409, 419, 421, 431,
	433, 439, 443, 449, 457, 461, 463, 467, 479, 487, 491,
	499, 503, 509, 521, 523, 541, 547, 557, 563, 569, 571,
	577, 587, 593, 599, 601, 607, 613, 617, 619, 631, 641,
	643, 647, 653, 659, 661, 673, 677, 683, 691, 701, 709,
	719, 727, 733, 739, 743, 751,
}

var (
	smallPrimesSingleton sync.Once
	smallPrimes          []*big.Int
)

// Config holds the parameters for building a KeyPolicy.
type Config struct {
	// WeakKeyFile is the path to a JSON file containing truncated modulus
	// hashes of known weak RSA keys. If empty, the weak key check is
	// disabled.
	WeakKeyFile string
	// BlockedKeyFile is the path to a YAML file containing Base64 encoded
	// SHA256 hashes of SubjectPublicKeyInfos to block. If empty, the
	// blocked key check is disabled.
	BlockedKeyFile string
	// FermatRounds is the number of rounds of Fermat factorization to
	// attempt against RSA moduli. If zero, the check is disabled.
	FermatRounds int
}

// KeyPolicy determines which types of key may be used with various broker
// operations.
type KeyPolicy struct {
	allowRSA           bool
	allowECDSANISTP256 bool
	allowECDSANISTP384 bool
	weakRSAList        *weakKeys
	blockedList        *blockedKeys
	fermatRounds       int
}

// NewPolicy returns a KeyPolicy that allows RSA, ECDSA P-256 and ECDSA
// P-384 keys, configured with the weak and blocked key lists named by the
// config. A nil config is treated as empty.
func NewPolicy(config *Config) (KeyPolicy, error) {
	if config == nil {
		config = &Config{}
	}
	kp := KeyPolicy{
		allowRSA:           true,
		allowECDSANISTP256: true,
		allowECDSANISTP384: true,
		fermatRounds:       config.FermatRounds,
	}
	if config.WeakKeyFile != "" {
		keyList, err := loadSuffixes(config.WeakKeyFile)
		if err != nil {
			return KeyPolicy{}, err
		}
		kp.weakRSAList = keyList
	}
	if config.BlockedKeyFile != "" {
		blocked, err := loadBlockedKeysList(config.BlockedKeyFile)
		if err != nil {
			return KeyPolicy{}, err
		}
		kp.blockedList = blocked
	}
	return kp, nil
}

// GoodKey returns nil if the key is acceptable for both TLS use and account
// key use (our requirements are the same for either one), or a BadPublicKey
// error describing why it was rejected.
func (policy *KeyPolicy) GoodKey(key crypto.PublicKey) error {
	if policy.blockedList != nil {
		blocked, err := policy.blockedList.blocked(key)
		if err != nil {
			return berrors.InternalServerError("error checking blocklist for key: %v", key)
		}
		if blocked {
			return berrors.BadPublicKeyError("public key is forbidden")
		}
	}
	switch t := key.(type) {
	case *rsa.PublicKey:
		return policy.goodKeyRSA(t)
	case *ecdsa.PublicKey:
		return policy.goodKeyECDSA(t)
	default:
		return berrors.MalformedError("unsupported key type %T", key)
	}
}

// goodKeyECDSA determines if an ECDSA pubkey meets our requirements.
func (policy *KeyPolicy) goodKeyECDSA(key *ecdsa.PublicKey) error {
	// The validity of the curve is an assumption for all following checks.
	err := policy.goodCurve(key.Curve)
	if err != nil {
		return err
	}

	// Key validation routine adapted from NIST SP800-56A § 5.6.2.3.2.
	// Assuming a prime field since we only allow such curves and
	// crypto/elliptic only supports prime curves.
	params := key.Params()

	// Step 1: verify that the key is not the point at infinity O. This
	// code assumes the point at infinity is (0,0), which is the case for
	// all supported curves.
	if isPointAtInfinityNISTP(key.X, key.Y) {
		return berrors.BadPublicKeyError("key x, y must not be the point at infinity")
	}

	// Step 2: verify that x and y are integers in [0, p-1]. For an odd
	// prime field this gives the unique correct representation of a field
	// element.
	if key.X.Sign() < 0 || key.Y.Sign() < 0 {
		return berrors.BadPublicKeyError("key x, y must not be negative")
	}
	if key.X.Cmp(params.P) >= 0 || key.Y.Cmp(params.P) >= 0 {
		return berrors.BadPublicKeyError("key x, y must not exceed P-1")
	}

	// Step 3: verify that the point is on the curve. crypto/elliptic
	// provides this test directly.
	if !key.Curve.IsOnCurve(key.X, key.Y) {
		return berrors.BadPublicKeyError("key point is not on the curve")
	}

	// Step 4: verify that n*Q == O, i.e. the public key has the correct
	// order and, with step 1, lies in the correct EC subgroup.
	ox, oy := key.Curve.ScalarMult(key.X, key.Y, params.N.Bytes())
	if !isPointAtInfinityNISTP(ox, oy) {
		return berrors.BadPublicKeyError("public key does not have correct order")
	}

	// End of SP800-56A § 5.6.2.3.2 Public Key Validation Routine.
	return nil
}

// isPointAtInfinityNISTP returns true iff the point (x,y) on NIST P-256 or
// NIST P-384 is the point at infinity. These curves all have the same point
// at infinity (0,0).
func isPointAtInfinityNISTP(x, y *big.Int) bool {
	return x.Sign() == 0 && y.Sign() == 0
}

// goodCurve determines if an elliptic curve meets our requirements.
func (policy *KeyPolicy) goodCurve(c elliptic.Curve) error {
	params := c.Params()
	switch {
	case policy.allowECDSANISTP256 && params == elliptic.P256().Params():
		return nil
	case policy.allowECDSANISTP384 && params == elliptic.P384().Params():
		return nil
	default:
		return berrors.BadPublicKeyError("ECDSA curve %v not allowed", params.Name)
	}
}

// goodKeyRSA determines if a RSA pubkey meets our requirements.
func (policy *KeyPolicy) goodKeyRSA(key *rsa.PublicKey) error {
	if !policy.allowRSA {
		return berrors.BadPublicKeyError("RSA keys are not allowed")
	}
	if policy.weakRSAList != nil && policy.weakRSAList.Known(key) {
		return berrors.BadPublicKeyError("key is on a known weak RSA key list")
	}

	// Baseline Requirements Appendix A: modulus must be >= 2048 bits and
	// <= 4096 bits.
	modulus := key.N
	modulusBitLen := modulus.BitLen()
	const maxKeySize = 4096
	if modulusBitLen < 2048 {
		return berrors.BadPublicKeyError("key size not supported: %d", modulusBitLen)
	}
	if modulusBitLen > maxKeySize {
		return berrors.BadPublicKeyError("key too large: %d > %d", modulusBitLen, maxKeySize)
	}
	// Bit lengths that are not a multiple of 8 may cause problems on some
	// client implementations.
	if modulusBitLen%8 != 0 {
		return berrors.BadPublicKeyError("key length wasn't a multiple of 8: %d", modulusBitLen)
	}
	// The CA SHALL confirm that the value of the public exponent is an odd
	// number equal to 3 or more, and SHOULD be in the range between
	// 2^16 + 1 and 2^256 - 1. rsa.PublicKey stores E as an int, so the
	// upper bound holds automatically.
	if (key.E%2) == 0 || key.E < ((1<<16)+1) {
		return berrors.BadPublicKeyError("key exponent should be odd and >2^16: %d", key.E)
	}
	// The modulus SHOULD be odd, not the power of a prime, and have no
	// factors smaller than 752.
	if checkSmallPrimes(modulus) {
		return berrors.BadPublicKeyError("key divisible by small prime")
	}
	// Check for weak keys generated by Infineon hardware (CVE-2017-15361).
	if rocacheck.IsWeak(key) {
		return berrors.BadPublicKeyError("key generated by vulnerable Infineon-based hardware")
	}
	// Check if the key can be easily factored via Fermat's factorization
	// method.
	if policy.fermatRounds > 0 {
		err := checkPrimeFactorsTooClose(modulus, policy.fermatRounds)
		if err != nil {
			return berrors.BadPublicKeyError("key generated with factors too close together: %s", err)
		}
	}

	return nil
}

// checkSmallPrimes returns true iff i is divisible by any of the primes in
// smallPrimes.
//
// Short circuits; execution time is dependent on i. Do not use this on
// secret values.
func checkSmallPrimes(i *big.Int) bool {
	smallPrimesSingleton.Do(func() {
		for _, prime := range smallPrimeInts {
			smallPrimes = append(smallPrimes, big.NewInt(prime))
		}
	})

	for _, prime := range smallPrimes {
		var result big.Int
		result.Mod(i, prime)
		if result.Sign() == 0 {
			return true
		}
	}
	return false
}

// checkPrimeFactorsTooClose returns an error if the modulus n can be
// factored in the given number of rounds of Fermat's factorization method.
// Keys drawn from primes that are too close together fall to this attack.
func checkPrimeFactorsTooClose(n *big.Int, rounds int) error {
	// Pre-allocate some big numbers that we'll use a lot down below.
	one := big.NewInt(1)
	bb := new(big.Int)

	// Any odd number is guaranteed to have a square root whose truncation
	// is no more than one below the real root.
	a := new(big.Int).Sqrt(n)
	a.Add(a, one)

	for range rounds {
		// b2 = a^2 - n
		b2 := new(big.Int).Mul(a, a)
		b2.Sub(b2, n)

		// if b2 is a perfect square, then a+b and a-b are factors of n.
		bb.Sqrt(b2)
		if new(big.Int).Mul(bb, bb).Cmp(b2) == 0 {
			p := new(big.Int).Add(a, bb)
			q := new(big.Int).Sub(a, bb)
			return fmt.Errorf("public modulus n = pq factored into p: %s; q: %s", p, q)
		}

		a.Add(a, one)
	}
	return nil
}

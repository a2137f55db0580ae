package privatekey

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/acmetk/acme-broker/test"
)

func TestVerifyRSAKeyPair(t *testing.T) {
	privKey1, err := rsa.GenerateKey(rand.Reader, 2048)
	test.AssertNotError(t, err, "Failed while generating test key 1")

	err = Verify(privKey1)
	test.AssertNotError(t, err, "Failed to verify valid key")

	privKey2, err := rsa.GenerateKey(rand.Reader, 2048)
	test.AssertNotError(t, err, "Failed while generating test key 2")

	msgHash := sha256.New()
	_, err = msgHash.Write([]byte("verifiable"))
	test.AssertNotError(t, err, "Failed to hash 'verifiable' message: %s")

	err = verifyRSA(privKey1, &privKey2.PublicKey, msgHash)
	test.AssertError(t, err, "Failed to detect invalid key pair")
}

func TestVerifyECDSAKeyPair(t *testing.T) {
	privKey1, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	test.AssertNotError(t, err, "Failed while generating test key 1")

	err = Verify(privKey1)
	test.AssertNotError(t, err, "Failed to verify valid key")

	privKey2, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	test.AssertNotError(t, err, "Failed while generating test key 2")

	msgHash := sha256.New()
	_, err = msgHash.Write([]byte("verifiable"))
	test.AssertNotError(t, err, "Failed to hash 'verifiable' message: %s")

	err = verifyECDSA(privKey1, &privKey2.PublicKey, msgHash)
	test.AssertError(t, err, "Failed to detect invalid key pair")
}

func writeKeyFile(t *testing.T, der []byte, blockType string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "key.pem")
	err := os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der}), 0600)
	test.AssertNotError(t, err, "Failed to write key file")
	return path
}

func TestLoad(t *testing.T) {
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	test.AssertNotError(t, err, "Failed while generating ECDSA key")
	ecDER, err := x509.MarshalECPrivateKey(ecKey)
	test.AssertNotError(t, err, "Failed to marshal ECDSA key")
	signer, err := Load(writeKeyFile(t, ecDER, "EC PRIVATE KEY"))
	test.AssertNotError(t, err, "Failed to load a valid ECDSA key file")
	test.AssertNotNil(t, signer, "Signer should not be Nil")

	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	test.AssertNotError(t, err, "Failed while generating RSA key")
	signer, err = Load(writeKeyFile(t, x509.MarshalPKCS1PrivateKey(rsaKey), "RSA PRIVATE KEY"))
	test.AssertNotError(t, err, "Failed to load a valid RSA key file")
	test.AssertNotNil(t, signer, "Signer should not be Nil")

	_, err = Load(writeKeyFile(t, []byte("not a key"), "CERTIFICATE"))
	test.AssertError(t, err, "Should have failed, file is not a private key")
}

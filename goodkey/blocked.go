package goodkey

import (
	"crypto"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"os"

	"github.com/acmetk/acme-broker/core"
	"github.com/acmetk/acme-broker/strictyaml"
)

// blockedKeys is a map of Base64 encoded SHA256 hashes of
// SubjectPublicKeyInfos that should be considered blocked. blockedKeys are
// created by using loadBlockedKeysList.
type blockedKeys map[core.Sha256Digest]bool

// blocked checks if the given public key is considered administratively
// blocked based on a SHA256 hash of the SubjectPublicKeyInfo. Important:
// blocked should not be called except on a blockedKeys instance returned
// from loadBlockedKeysList.
func (b blockedKeys) blocked(key crypto.PublicKey) (bool, error) {
	hash, err := core.KeyDigest(key)
	if err != nil {
		// The bool result should be ignored when err is != nil but to be
		// on the paranoid side return true anyway so that a key we can't
		// compute the digest for will always be blocked even if a caller
		// foolishly discards the err result.
		return true, err
	}
	return b[hash], nil
}

// loadBlockedKeysList creates a blockedKeys object that can be used to
// check if a key is blocked. It creates a lookup map from a list of Base64
// encoded SHA256 hashes of SubjectPublicKeyInfos in the input YAML file
// with the expected format:
//
//	blocked:
//	  - cuwGhNNI6nfob5aqY90e7BleU6l7rfxku4X3UTJ3Z7M=
//
// If no hashes are found in the input YAML an error is returned.
func loadBlockedKeysList(filename string) (*blockedKeys, error) {
	yamlBytes, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	var list struct {
		BlockedHashes []string `yaml:"blocked"`
	}
	err = strictyaml.Unmarshal(yamlBytes, &list)
	if err != nil {
		return nil, err
	}

	if len(list.BlockedHashes) == 0 {
		return nil, errors.New("no blocked hashes in YAML")
	}

	blockedKeys := make(blockedKeys, len(list.BlockedHashes))
	for _, hash := range list.BlockedHashes {
		decoded, err := base64.StdEncoding.DecodeString(hash)
		if err != nil {
			return nil, err
		}
		if len(decoded) != sha256.Size {
			return nil, fmt.Errorf("blocked hash %q is not a SHA256 digest", hash)
		}
		var digest core.Sha256Digest
		copy(digest[:], decoded)
		blockedKeys[digest] = true
	}
	return &blockedKeys, nil
}

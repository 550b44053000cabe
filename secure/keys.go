// Package secure implements KNX IP Secure unicast sessions: key derivation, the authenticated
// encryption of secure wrapper frames and the session handshake state machine.
package secure

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/pbkdf2"

	"github.com/arloliu/go-knx/knxnetip"
)

// KeySize is the size of AES-128 keys used by KNX IP Secure.
const KeySize = 16

const (
	userPasswordSalt   = "user-password.1.secure.ip.knx.org"
	deviceAuthCodeSalt = "device-authentication-code.1.secure.ip.knx.org"
	hashIterations     = 65536
)

// UserPasswordHash derives the user key from a tunneling user password.
func UserPasswordHash(password string) []byte {
	return pbkdf2.Key([]byte(password), []byte(userPasswordSalt), hashIterations, KeySize, sha256.New)
}

// DeviceAuthCodeHash derives the device authentication key from a device authentication code.
func DeviceAuthCodeHash(code string) []byte {
	return pbkdf2.Key([]byte(code), []byte(deviceAuthCodeSalt), hashIterations, KeySize, sha256.New)
}

// KeyPair is an ephemeral X25519 key pair.
type KeyPair struct {
	Private [32]byte
	Public  [knxnetip.PublicKeySize]byte
}

// GenerateKeyPair creates a new random X25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	kp := &KeyPair{}
	if _, err := rand.Read(kp.Private[:]); err != nil {
		return nil, fmt.Errorf("secure: generate private key: %w", err)
	}

	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("secure: derive public key: %w", err)
	}
	copy(kp.Public[:], pub)

	return kp, nil
}

// SessionKey derives the session key shared with the owner of peerPublic.
func (kp *KeyPair) SessionKey(peerPublic [knxnetip.PublicKeySize]byte) ([]byte, error) {
	shared, err := curve25519.X25519(kp.Private[:], peerPublic[:])
	if err != nil {
		return nil, fmt.Errorf("secure: key agreement: %w", err)
	}
	sum := sha256.Sum256(shared)

	return sum[:KeySize], nil
}

// internal/security/keyderive.go
package security

import (
	"crypto/sha256"
	"fmt"
	"os"
	"runtime"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	KDFIterations = 100_000
	KeyLength     = 32
)

var kdfSalt = []byte("edge-agent/credentials/v1")

// MachinePassphrase junta identificadores estáveis da máquina.
// Reinstalar o SO ou trocar o hostname invalida o blob cifrado.
func MachinePassphrase() (string, error) {
	host, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("hostname: %w", err)
	}
	return strings.Join([]string{host, runtime.GOOS, runtime.GOARCH}, "|"), nil
}

// DeriveKey roda PBKDF2-SHA256 com salt fixo.
func DeriveKey(passphrase string) []byte {
	return pbkdf2.Key([]byte(passphrase), kdfSalt, KDFIterations, KeyLength, sha256.New)
}

func DeriveMachineKey() ([]byte, error) {
	p, err := MachinePassphrase()
	if err != nil {
		return nil, err
	}
	return DeriveKey(p), nil
}

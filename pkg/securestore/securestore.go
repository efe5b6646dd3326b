// Package securestore keeps secrets encrypted at rest in memory. Values are
// sealed into a memguard enclave on creation and only decrypted into a
// locked buffer for the duration of an Access call.
package securestore

import (
	"fmt"

	"github.com/awnumar/memguard"
)

// Secret holds a sensitive value sealed in an in-memory enclave.
type Secret struct {
	enclave *memguard.Enclave
}

// NewSecret creates a new secret from a string. The caller should drop its
// own copy of the plaintext after this returns.
func NewSecret(value string) (*Secret, error) {
	return NewSecretFromBytes([]byte(value))
}

// NewSecretFromBytes creates a new secret from a byte slice. The slice is
// wiped by memguard as part of sealing.
func NewSecretFromBytes(value []byte) (*Secret, error) {
	if len(value) == 0 {
		return nil, fmt.Errorf("refusing to seal an empty secret")
	}
	return &Secret{enclave: memguard.NewEnclave(value)}, nil
}

// Access calls f with the plaintext value. The slice is only valid for the
// duration of the call; a nil Secret is treated as empty.
func (s *Secret) Access(f func([]byte)) error {
	if s == nil || s.enclave == nil {
		f(nil)
		return nil
	}

	b, err := s.enclave.Open()
	if err != nil {
		return fmt.Errorf("failed to open secret: %w", err)
	}
	defer b.Destroy()

	f(b.Bytes())
	return nil
}

// IsSet reports whether the secret holds a value.
func (s *Secret) IsSet() bool {
	return s != nil && s.enclave != nil
}

// Destroy drops the enclave. The sealed ciphertext is useless without it,
// and no plaintext copy exists outside Access windows.
func (s *Secret) Destroy() {
	if s != nil {
		s.enclave = nil
	}
}

// Package crypto implements MikroDB's optional envelope encryption for table
// files (spec §4.2): the full serialized table image is wrapped as one
// AES-256-GCM ciphertext with a per-file random IV.
//
// # Encrypted file layout
//
//	Offset  Size  Field
//	0x00    1     Version (1)
//	0x01    1     IV length (12)
//	0x02    12    IV
//	0x0E    1     Tag length (16)
//	0x0F    16    Authentication tag
//	0x1F    ...   Ciphertext
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"

	"github.com/mikrodb/mikrodb/internal/mikroerr"
)

const (
	envelopeVersion byte = 1
	ivLen                = 12
	tagLen               = 16

	// scryptSalt is fixed (spec §9, open question 1): keys derive
	// deterministically from the password alone. This is a known weakness
	// preserved for on-disk format compatibility, not a recommendation.
	scryptSalt = "salt"
)

// DeriveKey derives a 32-byte AES-256 key from password using scrypt over
// "<salt>#<password>", matching the original engine's key schedule.
func DeriveKey(password string) ([]byte, error) {
	input := scryptSalt + "#" + password
	key, err := scrypt.Key([]byte(input), []byte(scryptSalt), 1<<15, 8, 1, 32)
	if err != nil {
		return nil, fmt.Errorf("crypto: derive key: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext (a complete table file image) under key, producing
// the envelope layout documented above.
func Seal(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithTagSize(block, tagLen)
	if err != nil {
		return nil, fmt.Errorf("crypto: new gcm: %w", err)
	}

	iv := make([]byte, ivLen)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("crypto: generate iv: %w", err)
	}

	sealed := gcm.Seal(nil, iv, plaintext, nil)
	ciphertext := sealed[:len(sealed)-tagLen]
	tag := sealed[len(sealed)-tagLen:]

	out := make([]byte, 0, 2+ivLen+2+tagLen+len(ciphertext))
	out = append(out, envelopeVersion, byte(ivLen))
	out = append(out, iv...)
	out = append(out, byte(tagLen))
	out = append(out, tag...)
	out = append(out, ciphertext...)
	return out, nil
}

// LooksEncrypted reports whether data begins with the encrypted envelope's
// version byte, the detection rule from spec §4.2 that lets plaintext and
// encrypted table files coexist across a fleet.
func LooksEncrypted(data []byte) bool {
	return len(data) > 0 && data[0] == envelopeVersion
}

// Open decrypts an envelope produced by Seal. Authentication-tag failure
// surfaces as ErrCryptoFailure; callers are expected to fall back to
// treating the file as plaintext (spec §4.2, §7).
func Open(key, envelope []byte) ([]byte, error) {
	if len(envelope) < 2+ivLen+1+tagLen {
		return nil, fmt.Errorf("crypto: %w: envelope too short", mikroerr.ErrCryptoFailure)
	}
	if envelope[0] != envelopeVersion {
		return nil, fmt.Errorf("crypto: %w: unsupported envelope version", mikroerr.ErrCryptoFailure)
	}
	gotIVLen := int(envelope[1])
	if gotIVLen != ivLen {
		return nil, fmt.Errorf("crypto: %w: unexpected iv length", mikroerr.ErrCryptoFailure)
	}
	iv := envelope[2 : 2+ivLen]
	tagLenOff := 2 + ivLen
	gotTagLen := int(envelope[tagLenOff])
	if gotTagLen != tagLen {
		return nil, fmt.Errorf("crypto: %w: unexpected tag length", mikroerr.ErrCryptoFailure)
	}
	tag := envelope[tagLenOff+1 : tagLenOff+1+tagLen]
	ciphertext := envelope[tagLenOff+1+tagLen:]

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithTagSize(block, tagLen)
	if err != nil {
		return nil, fmt.Errorf("crypto: new gcm: %w", err)
	}

	sealed := append(append([]byte(nil), ciphertext...), tag...)
	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: %w: %v", mikroerr.ErrCryptoFailure, err)
	}
	return plaintext, nil
}

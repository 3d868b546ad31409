package pow

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

const minSaltLen = 8

// b64 is the unpadded standard alphabet used by the PHC string format.
var b64 = base64.RawStdEncoding

// encoded is a parsed PHC string:
//
//	$argon2id$v=19$m=65536,t=2,p=1$<salt>$<hash>
type encoded struct {
	version     int
	memory      uint32
	time        uint32
	parallelism uint8
	salt        []byte
	hash        []byte
}

// String renders the PHC string.
func (enc encoded) String() string {
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		enc.version, enc.memory, enc.time, enc.parallelism,
		b64.EncodeToString(enc.salt), b64.EncodeToString(enc.hash))
}

// matches reports whether the encoded digest was produced with exactly the
// engine's cost parameters. Cheaper parameters are never accepted.
func (enc encoded) matches(p Params) bool {
	return enc.memory == p.Memory &&
		enc.time == p.Time &&
		enc.parallelism == p.Parallelism &&
		uint32(len(enc.hash)) == p.HashLen
}

// decode parses a PHC string. Only the canonical spelling is accepted so a
// digest has exactly one string form: no padding, no leading zeros and
// nothing trailing the parameters.
func decode(s string) (encoded, error) {
	parts := strings.Split(s, "$")
	if len(parts) != 6 || parts[0] != "" {
		return encoded{}, errors.New("not a PHC string")
	}
	if parts[1] != "argon2id" {
		return encoded{}, fmt.Errorf("unsupported variant %q", parts[1])
	}

	var enc encoded
	if _, err := fmt.Sscanf(parts[2], "v=%d", &enc.version); err != nil {
		return encoded{}, fmt.Errorf("version: %w", err)
	}
	if enc.version != argon2.Version {
		return encoded{}, fmt.Errorf("unsupported version %d", enc.version)
	}

	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &enc.memory, &enc.time, &enc.parallelism); err != nil {
		return encoded{}, fmt.Errorf("parameters: %w", err)
	}

	var err error
	if enc.salt, err = b64.DecodeString(parts[4]); err != nil {
		return encoded{}, fmt.Errorf("salt: %w", err)
	}
	if len(enc.salt) < minSaltLen {
		return encoded{}, errors.New("salt too short")
	}

	if enc.hash, err = b64.DecodeString(parts[5]); err != nil {
		return encoded{}, fmt.Errorf("hash: %w", err)
	}
	if len(enc.hash) == 0 || len(enc.hash) > 32 {
		return encoded{}, errors.New("hash length out of range")
	}

	if enc.String() != s {
		return encoded{}, errors.New("non-canonical encoding")
	}

	return enc, nil
}

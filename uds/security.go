package uds

import (
	"context"
	"crypto/aes"
	"fmt"

	cmac "github.com/chmike/cmac-go"
)

// KeyFunc derives the security access key from the server's seed.
type KeyFunc func(seed []byte) ([]byte, error)

// CMACKey returns a KeyFunc computing AES-CMAC of the seed under the
// shared secret, the usual seed/key scheme on programmable ECUs.
func CMACKey(secret []byte) KeyFunc {
	return func(seed []byte) ([]byte, error) {
		mac, err := cmac.New(aes.NewCipher, secret)
		if err != nil {
			return nil, fmt.Errorf("uds: cmac init: %w", err)
		}
		mac.Write(seed)
		return mac.Sum(nil), nil
	}
}

// SecurityAccess unlocks the given security level: request the seed at
// the odd sub-function, derive the key, send it at the next even one.
// An all-zero seed means the level is already unlocked.
func (c *Client) SecurityAccess(ctx context.Context, level byte, key KeyFunc) error {
	if level%2 == 0 {
		return fmt.Errorf("uds: security level must be the odd request-seed sub-function, got 0x%02X", level)
	}

	resp, err := c.RequestContext(ctx, []byte{SIDSecurityAccess, level})
	if err != nil {
		return err
	}
	if len(resp) < 2 || resp[1] != level {
		return fmt.Errorf("uds: malformed seed response: % X", resp)
	}
	seed := resp[2:]

	if allZero(seed) {
		return nil
	}

	derived, err := key(seed)
	if err != nil {
		return err
	}
	_, err = c.RequestContext(ctx, append([]byte{SIDSecurityAccess, level + 1}, derived...))
	return err
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return len(b) > 0
}

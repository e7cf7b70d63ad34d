package harness

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/idleprobe/internal/model"
)

const (
	userLength   = 8
	secretLength = 16
	alphabet     = "abcdefghijklmnopqrstuvwxyz0123456789"
)

// IdentitySource creates n identities in domain, indexed from 0.
type IdentitySource func(n int, domain string) ([]model.Identity, error)

// RandomIdentities returns an IdentitySource backed by crypto/rand. Targets
// are expected to create accounts on first login.
func RandomIdentities() IdentitySource {
	return func(n int, domain string) ([]model.Identity, error) {
		return generateIdentities(rand.Reader, n, domain)
	}
}

// SequentialIdentities returns an IdentitySource with predictable names
// prefix00, prefix01, ... and a fixed secret. Used by tests that target
// specific accounts.
func SequentialIdentities(prefix, secret string) IdentitySource {
	return func(n int, domain string) ([]model.Identity, error) {
		domain = normalizeDomain(domain)
		ids := make([]model.Identity, n)
		for i := range ids {
			addr := fmt.Sprintf("%s%02d@%s", prefix, i, domain)
			ids[i] = model.Identity{Index: i, Principal: addr, Secret: secret, Address: addr}
		}
		return ids, nil
	}
}

func generateIdentities(r io.Reader, n int, domain string) ([]model.Identity, error) {
	domain = normalizeDomain(domain)
	ids := make([]model.Identity, n)
	for i := range ids {
		user, err := randomString(r, userLength)
		if err != nil {
			return nil, fmt.Errorf("generate identity %d: %w", i, err)
		}
		secret, err := randomString(r, secretLength)
		if err != nil {
			return nil, fmt.Errorf("generate identity %d: %w", i, err)
		}
		addr := user + "@" + domain
		ids[i] = model.Identity{Index: i, Principal: addr, Secret: secret, Address: addr}
	}
	return ids, nil
}

// normalizeDomain puts internationalised domains in NFC and lower case so
// the principal matches what the server stores.
func normalizeDomain(domain string) string {
	return strings.ToLower(norm.NFC.String(strings.TrimSpace(domain)))
}

func randomString(r io.Reader, n int) (string, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(buf), nil
}

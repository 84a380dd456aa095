// Package trust keeps the fingerprints of servers the user has agreed to
// talk to over SSL and decides whether a freshly observed fingerprint is
// acceptable.
package trust

import (
	"crypto/sha1"
	"crypto/x509"
	"encoding/hex"
	"strings"

	"p4rpc/rpcerr"
)

// Fingerprint returns the SHA-1 digest of the DER encoded
// SubjectPublicKeyInfo of pub as colon separated upper case hex pairs.
func Fingerprint(pub any) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", rpcerr.Wrap(rpcerr.Security, "fingerprint", err, "unsupported public key")
	}
	sum := sha1.Sum(der)
	return formatDigest(sum[:]), nil
}

func formatDigest(sum []byte) string {
	var sb strings.Builder
	sb.Grow(len(sum) * 3)
	for i, b := range sum {
		if i > 0 {
			sb.WriteByte(':')
		}
		sb.WriteString(strings.ToUpper(hex.EncodeToString([]byte{b})))
	}
	return sb.String()
}

// NormalizeAddress returns the key the store uses for addr. A bare port is
// taken to mean the local host.
func NormalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if !strings.Contains(addr, ":") {
		return "localhost:" + addr
	}
	return addr
}

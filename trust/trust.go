package trust

import (
	"context"
	"fmt"

	"p4rpc/rpcerr"
)

// MismatchType tells why a fingerprint was refused.
type MismatchType int

const (
	// NewConnection means nothing is known about the server yet.
	NewConnection MismatchType = iota + 1
	// NewKey means the server presented a different key than the one on
	// record.
	NewKey
)

func (m MismatchType) String() string {
	switch m {
	case NewConnection:
		return "new connection"
	case NewKey:
		return "new key"
	}
	return "unknown"
}

// TrustError is returned when a server fingerprint is not trusted. It
// carries the Security kind.
type TrustError struct {
	Type        MismatchType
	Address     string
	Fingerprint string
}

func (e *TrustError) Error() string {
	switch e.Type {
	case NewConnection:
		return newConnectionWarning(e.Address, e.Fingerprint) + "To allow connection use the 'p4 trust' command."
	default:
		return newKeyWarning(e.Address, e.Fingerprint) + "To allow connection use the 'p4 trust -f' command."
	}
}

func (e *TrustError) Unwrap() error {
	return &rpcerr.Error{Kind: rpcerr.Security, Op: "trust", Msg: e.Type.String()}
}

func newConnectionWarning(addr, fp string) string {
	return fmt.Sprintf("The authenticity of '%s' can't be established,\n"+
		"this may be your first attempt to connect to this P4PORT.\n"+
		"The fingerprint for the key sent to your client is\n%s\n", addr, fp)
}

func newKeyWarning(addr, fp string) string {
	return fmt.Sprintf("******* WARNING P4PORT IDENTIFICATION HAS CHANGED! *******\n"+
		"It is possible that someone is intercepting your connection\n"+
		"to the Perforce P4PORT '%s'\n"+
		"If this is not a scheduled key change, then you should contact\n"+
		"your Perforce administrator.\n"+
		"The fingerprint for the mismatched key sent to your client is\n%s\n", addr, fp)
}

const (
	msgEstablished = "Trust already established"
	msgAdded       = "Added trust for Perforce server"
	msgRemoved     = "Removed trust for Perforce server"
	msgNotTrusted  = "No trust established for Perforce server"
)

func added(addr, fp string) string {
	return fmt.Sprintf("%s '%s' (%s)", msgAdded, addr, fp)
}

// VerifyOptions control what Verify may change on its own.
type VerifyOptions struct {
	Force      bool
	AutoAccept bool
}

// Verify checks fp, the fingerprint presented by the server at addr. A
// matching replacement entry is promoted to the fingerprint entry. A
// changed key is installed only with both Force and AutoAccept; a server
// never seen before is always refused.
func (s *Store) Verify(addr, fp string, opts VerifyOptions) error {
	return s.VerifyContext(context.Background(), addr, fp, opts)
}

// VerifyContext is Verify bounded by ctx while waiting for the file lock.
func (s *Store) VerifyContext(ctx context.Context, addr, fp string, opts VerifyOptions) error {
	addr = NormalizeAddress(addr)
	return s.update(ctx, func(t *table) error {
		_, known := t.get(addr, FingerprintUser)
		if t.matches(addr, ReplacementUser, fp) {
			t.put(addr, FingerprintUser, fp)
			t.remove(addr, ReplacementUser)
			return nil
		}
		if !known {
			return &TrustError{Type: NewConnection, Address: addr, Fingerprint: fp}
		}
		if t.matches(addr, FingerprintUser, fp) {
			return nil
		}
		if opts.Force && opts.AutoAccept {
			t.put(addr, FingerprintUser, fp)
			return nil
		}
		return &TrustError{Type: NewKey, Address: addr, Fingerprint: fp}
	})
}

// AddOptions control AddTrust.
type AddOptions struct {
	// Fingerprint installs this value instead of the presented one. It
	// implies Force and AutoAccept.
	Fingerprint string
	// Replacement installs a replacement entry instead of the fingerprint.
	Replacement bool
	Force       bool
	AutoAccept  bool
	AutoRefuse  bool
}

// AddTrust records trust for the server at addr which presented fp, and
// returns the message to show the user.
func (s *Store) AddTrust(addr, fp string, opts AddOptions) (string, error) {
	addr = NormalizeAddress(addr)
	user := FingerprintUser
	if opts.Replacement {
		user = ReplacementUser
	}
	value := fp
	if opts.Fingerprint != "" {
		value = opts.Fingerprint
		opts.Force = true
		opts.AutoAccept = true
	}
	if value == "" {
		return "", rpcerr.New(rpcerr.Syntax, "trust", "no fingerprint for %s", addr)
	}

	var msg string
	err := s.update(context.Background(), func(t *table) error {
		_, exists := t.get(addr, user)
		match := t.matches(addr, user, fp)

		if opts.AutoRefuse {
			switch {
			case !exists:
				msg = newConnectionWarning(addr, fp)
			case !match:
				msg = newKeyWarning(addr, fp)
			default:
				msg = msgEstablished
			}
			return nil
		}

		if user == FingerprintUser && (!exists || !match) && t.matches(addr, ReplacementUser, fp) {
			t.put(addr, FingerprintUser, fp)
			t.remove(addr, ReplacementUser)
			msg = msgEstablished
			return nil
		}

		switch {
		case !exists:
			if !opts.AutoAccept {
				return &TrustError{Type: NewConnection, Address: addr, Fingerprint: fp}
			}
			t.put(addr, user, value)
			msg = newConnectionWarning(addr, fp) + added(addr, value)
		case !match:
			if !opts.Force || !opts.AutoAccept {
				return &TrustError{Type: NewKey, Address: addr, Fingerprint: fp}
			}
			if t.matches(addr, user, value) {
				msg = msgEstablished
				return nil
			}
			t.put(addr, user, value)
			msg = newKeyWarning(addr, fp) + added(addr, value)
		case opts.Fingerprint != "" && !t.matches(addr, user, value):
			t.put(addr, user, value)
			msg = added(addr, value)
		default:
			msg = msgEstablished
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return msg, nil
}

// RemoveTrust drops the fingerprint entry for addr, or the replacement
// entry when replacement is set.
func (s *Store) RemoveTrust(addr string, replacement bool) (string, error) {
	addr = NormalizeAddress(addr)
	user := FingerprintUser
	if replacement {
		user = ReplacementUser
	}
	var msg string
	err := s.update(context.Background(), func(t *table) error {
		if t.remove(addr, user) {
			msg = fmt.Sprintf("%s '%s'", msgRemoved, addr)
		} else {
			msg = fmt.Sprintf("%s '%s'", msgNotTrusted, addr)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return msg, nil
}

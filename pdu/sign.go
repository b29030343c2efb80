package pdu

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"go.mau.fi/roomgraph/util"
)

var (
	// ErrHashMismatch means the content hash doesn't match the event bytes.
	ErrHashMismatch = errors.New("content hash mismatch")
	// ErrInvalidSignature means the origin server's signature doesn't verify.
	ErrInvalidSignature = errors.New("invalid event signature")
)

// signableJSON is the canonical form signatures are computed over: the
// redacted event without the signatures and unsigned fields.
func (p *PDU) signableJSON(ver *RoomVersion) ([]byte, error) {
	redacted := p.Redacted(ver)
	redacted.Signatures = nil
	redacted.Unsigned = nil
	return redacted.CanonicalJSON()
}

// Sign adds the given server's signature to the event in place.
func (p *PDU) Sign(ver *RoomVersion, serverName, keyID string, key ed25519.PrivateKey) error {
	signable, err := p.signableJSON(ver)
	if err != nil {
		return err
	}
	sig := ed25519.Sign(key, signable)
	if p.Signatures == nil {
		p.Signatures = make(map[string]map[string]string)
	}
	if p.Signatures[serverName] == nil {
		p.Signatures[serverName] = make(map[string]string)
	}
	p.Signatures[serverName][keyID] = util.EncodeUnpaddedBase64(sig)
	return nil
}

// VerifySignature checks the signature the given server made with the
// given key. Failure is a permanent rejection for these event bytes.
func (p *PDU) VerifySignature(ver *RoomVersion, serverName, keyID string, key ed25519.PublicKey) error {
	sigB64, ok := p.Signatures[serverName][keyID]
	if !ok {
		return fmt.Errorf("%w: no signature from %s with key %s", ErrInvalidSignature, serverName, keyID)
	}
	sig, err := util.UnpaddedBase64.DecodeString(sigB64)
	if err != nil {
		return fmt.Errorf("%w: bad signature encoding: %s", ErrInvalidSignature, err)
	}
	signable, err := p.signableJSON(ver)
	if err != nil {
		return err
	}
	if !ed25519.Verify(key, signable, sig) {
		return ErrInvalidSignature
	}
	return nil
}

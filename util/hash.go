package util

import (
	"crypto/sha256"
	"encoding/base64"
)

const HashSize = sha256.Size

// Matrix uses unpadded base64 almost everywhere: the standard alphabet for
// hashes and signatures, the URL-safe alphabet for v4+ event IDs.
var (
	UnpaddedBase64    = base64.StdEncoding.WithPadding(base64.NoPadding)
	UnpaddedURLBase64 = base64.RawURLEncoding
)

var UnpaddedSHA256Length = UnpaddedBase64.EncodedLen(HashSize)

func EncodeUnpaddedBase64(data []byte) string {
	return UnpaddedBase64.EncodeToString(data)
}

func DecodeBase64Hash(hash string) (*[HashSize]byte, bool) {
	if len(hash) != UnpaddedSHA256Length {
		return nil, false
	}
	decoded, err := UnpaddedBase64.DecodeString(hash)
	if err != nil {
		return nil, false
	}
	return (*[HashSize]byte)(decoded), true
}

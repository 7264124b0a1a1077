package events

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/minio/sha256-simd"
)

// ErrInvalidSignature is wrapped by Verify failures
var ErrInvalidSignature = errors.New("invalid event signature")

// Serialize returns the canonical NIP-01 form the event id is hashed from:
// [0,<pubkey>,<created_at>,<kind>,<tags>,<content>] with no whitespace.
func (e *Event) Serialize() []byte {
	buf := make([]byte, 0, 128+len(e.Content))
	buf = append(buf, `[0,`...)
	buf = appendString(buf, e.PubKey)
	buf = append(buf, ',')
	buf = strconv.AppendInt(buf, e.CreatedAt.Unix(), 10)
	buf = append(buf, ',')
	buf = strconv.AppendInt(buf, int64(e.Kind), 10)
	buf = append(buf, ",["...)
	for i, t := range e.Tags {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '[')
		for j, s := range t {
			if j > 0 {
				buf = append(buf, ',')
			}
			buf = appendString(buf, s)
		}
		buf = append(buf, ']')
	}
	buf = append(buf, "],"...)
	buf = appendString(buf, e.Content)
	return append(buf, ']')
}

// appendString writes s as a JSON string using the NIP-01 escaping rules:
// only quote, backslash and control characters are escaped.
func appendString(dst []byte, s string) []byte {
	const hexDigits = "0123456789abcdef"
	dst = append(dst, '"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '"':
			dst = append(dst, '\\', '"')
		case '\\':
			dst = append(dst, '\\', '\\')
		case '\n':
			dst = append(dst, '\\', 'n')
		case '\r':
			dst = append(dst, '\\', 'r')
		case '\t':
			dst = append(dst, '\\', 't')
		case '\b':
			dst = append(dst, '\\', 'b')
		case '\f':
			dst = append(dst, '\\', 'f')
		default:
			if c < 0x20 {
				dst = append(dst, '\\', 'u', '0', '0', hexDigits[c>>4], hexDigits[c&0xf])
				continue
			}
			dst = append(dst, c)
		}
	}
	return append(dst, '"')
}

// ComputeID returns the hex sha256 of the serialized event
func (e *Event) ComputeID() string {
	sum := sha256.Sum256(e.Serialize())
	return hex.EncodeToString(sum[:])
}

// PubKeyHex returns the x-only public key of key as 64 lowercase hex chars
func PubKeyHex(key *secp256k1.PrivateKey) string {
	return hex.EncodeToString(schnorr.SerializePubKey(key.PubKey()))
}

// Sign sets the event's pubkey, id and BIP-340 signature from key
func (e *Event) Sign(key *secp256k1.PrivateKey) error {
	e.PubKey = PubKeyHex(key)
	sum := sha256.Sum256(e.Serialize())
	sig, err := schnorr.Sign(key, sum[:])
	if err != nil {
		return fmt.Errorf("failed to sign event: %w", err)
	}
	e.ID = hex.EncodeToString(sum[:])
	e.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

// Verify checks that the id is the hash of the event and that sig is a valid
// signature of it by pubkey.
func (e *Event) Verify() error {
	sum := sha256.Sum256(e.Serialize())
	if hex.EncodeToString(sum[:]) != e.ID {
		return fmt.Errorf("%w: id does not match content", ErrInvalidSignature)
	}

	pkBytes, err := hex.DecodeString(e.PubKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	pub, err := schnorr.ParsePubKey(pkBytes)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	sigBytes, err := hex.DecodeString(e.Sig)
	if err != nil || len(sigBytes) != schnorr.SignatureSize {
		return fmt.Errorf("%w: malformed sig", ErrInvalidSignature)
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !sig.Verify(sum[:], pub) {
		return ErrInvalidSignature
	}
	return nil
}

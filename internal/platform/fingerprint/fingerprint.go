// Package fingerprint derives identifiers and digests for audit facts.
//
// Tokens are ULIDs: a millisecond timestamp followed by monotonic random bits,
// rendered as 26 uppercase Crockford base32 characters. Digests are BLAKE2b-256
// over a length-prefixed encoding of their inputs, rendered as lowercase hex.
package fingerprint

import (
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/crypto/blake2b"
)

// DigestLen is the length of a hex-encoded digest.
const DigestLen = blake2b.Size256 * 2

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// NewUniqueToken returns a fresh token. Tokens minted within the same
// millisecond are strictly increasing and never collide.
func NewUniqueToken() string {
	return newULID(time.Now())
}

// NewFactID returns an identifier for an audit fact. IDs sort in creation
// order, which the store uses to break timestamp ties.
func NewFactID() string {
	return newULID(time.Now())
}

func newULID(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// IsToken reports whether s parses as a token produced by NewUniqueToken.
func IsToken(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}

// DocumentDigest fingerprints the logical identity of a document. The same
// patient, document type and timestamp always yield the same digest.
func DocumentDigest(patientID, documentType string, ts time.Time) string {
	return digest("document", patientID, documentType, canonicalTime(ts))
}

// PrintDigest fingerprints one print attempt. The token is fresh per attempt so
// the digest differs even when the document digest repeats.
func PrintDigest(uniqueToken, actorID string, ts time.Time) string {
	return digest("print", uniqueToken, actorID, canonicalTime(ts))
}

// VerifyPrintDigest recomputes the print digest and compares it in constant time.
func VerifyPrintDigest(uniqueToken, actorID string, ts time.Time, want string) bool {
	got := PrintDigest(uniqueToken, actorID, ts)
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func canonicalTime(ts time.Time) string {
	return ts.UTC().Format(time.RFC3339Nano)
}

func digest(domain string, parts ...string) string {
	h, _ := blake2b.New256(nil)
	var n [8]byte
	for _, p := range append([]string{domain}, parts...) {
		binary.BigEndian.PutUint64(n[:], uint64(len(p)))
		h.Write(n[:])
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

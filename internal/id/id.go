// Package id generates short, sortable, typed identifiers.
//
// Every identifier has the shape <prefix>_<time><counter><random>, where
// time and counter are base36-encoded so that two identifiers minted in
// the same process compare in creation order as plain strings, even when
// minted within the same millisecond.
package id

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Prefix identifies the entity kind an id belongs to.
type Prefix string

const (
	PrefixSession    Prefix = "ses"
	PrefixMessage    Prefix = "msg"
	PrefixPart       Prefix = "prt"
	PrefixPermission Prefix = "per"
)

const randomSuffixLen = 8

var base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

var counterState struct {
	mu     sync.Mutex
	lastMs int64
	seq    uint32
}

// nextCounter returns a monotonically increasing sequence number scoped
// to the current millisecond, so calls within the same tick still sort.
func nextCounter() (ms int64, seq uint32) {
	counterState.mu.Lock()
	defer counterState.mu.Unlock()

	now := time.Now().UnixMilli()
	if now != counterState.lastMs {
		counterState.lastMs = now
		counterState.seq = 0
	} else {
		counterState.seq++
	}
	return counterState.lastMs, counterState.seq
}

func toBase36(n uint64) string {
	if n == 0 {
		return "0"
	}
	var sb strings.Builder
	digits := make([]byte, 0, 16)
	for n > 0 {
		digits = append(digits, base36Alphabet[n%36])
		n /= 36
	}
	for i := len(digits) - 1; i >= 0; i-- {
		sb.WriteByte(digits[i])
	}
	return sb.String()
}

func randomBase36(n int) string {
	out := make([]byte, n)
	max := big.NewInt(int64(len(base36Alphabet)))
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand failure is effectively unrecoverable; fall back
			// to a ulid-derived byte so an id is still produced.
			out[i] = base36Alphabet[ulid.Make()[i%16]%36]
			continue
		}
		out[i] = base36Alphabet[idx.Int64()]
	}
	return string(out)
}

// New mints a new identifier for the given entity kind.
func New(prefix Prefix) string {
	ms, seq := nextCounter()
	return fmt.Sprintf("%s_%s%s%s", prefix, toBase36(uint64(ms)), toBase36(uint64(seq)), randomBase36(randomSuffixLen))
}

// HasPrefix reports whether id was minted for the given entity kind.
func HasPrefix(idStr string, prefix Prefix) bool {
	return strings.HasPrefix(idStr, string(prefix)+"_")
}

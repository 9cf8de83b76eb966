// Package tsid generates time-sorted identifiers for server-assigned ids
// (outbox entries, dead letters, scheduled messages). A TSID is a 64-bit
// value: 42 bits of milliseconds since the epoch, 22 bits of randomness,
// rendered as 13 characters of Crockford Base32. Lexicographic order of
// the rendered form follows creation time.
package tsid

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"

	"go.relaykit.dev/internal/common/clock"
)

const (
	// Epoch: 2020-01-01T00:00:00Z in Unix milliseconds.
	epochMillis = 1577836800000

	randomBits = 22

	alphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"
)

// Generator produces TSIDs from an injected clock. Safe for concurrent use.
type Generator struct {
	clk clock.Clock

	mu       sync.Mutex
	lastTime int64
	counter  uint32
}

// NewGenerator creates a generator reading time from clk.
func NewGenerator(clk clock.Clock) *Generator {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Generator{clk: clk}
}

// Generate returns a new TSID string.
func (g *Generator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clk.Now().UnixMilli() - epochMillis

	var buf [4]byte
	rand.Read(buf[:])
	random := binary.BigEndian.Uint32(buf[:]) & ((1 << randomBits) - 1)

	// Same-millisecond collisions: fold a monotonic counter into the low
	// 16 bits so ids generated in one tick stay unique and ordered.
	if now == g.lastTime {
		g.counter++
		random = (random &^ 0xFFFF) | (g.counter & 0xFFFF)
	} else {
		g.lastTime = now
		g.counter = 0
	}

	id := (uint64(now) << randomBits) | uint64(random)
	return encodeCrockford(id)
}

// Timestamp extracts the creation time encoded in a TSID.
func Timestamp(id string) (time.Time, error) {
	value, err := decodeCrockford(id)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(int64(value>>randomBits) + epochMillis).UTC(), nil
}

func encodeCrockford(value uint64) string {
	out := make([]byte, 13)
	for i := 12; i >= 0; i-- {
		out[i] = alphabet[value&0x1F]
		value >>= 5
	}
	return string(out)
}

func decodeCrockford(s string) (uint64, error) {
	var result uint64
	for _, c := range s {
		idx := crockfordIndex(byte(c))
		if idx < 0 {
			return 0, ErrInvalidCharacter
		}
		result = result<<5 | uint64(idx)
	}
	return result, nil
}

func crockfordIndex(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'A' && c <= 'H':
		return int(c - 'A' + 10)
	case c >= 'a' && c <= 'h':
		return int(c - 'a' + 10)
	case c == 'I' || c == 'i' || c == 'L' || c == 'l':
		return 1
	case c == 'J' || c == 'K':
		return int(c - 'J' + 18)
	case c == 'j' || c == 'k':
		return int(c - 'j' + 18)
	case c == 'M' || c == 'N':
		return int(c - 'M' + 20)
	case c == 'm' || c == 'n':
		return int(c - 'm' + 20)
	case c == 'O' || c == 'o':
		return 0
	case c >= 'P' && c <= 'T':
		return int(c - 'P' + 22)
	case c >= 'p' && c <= 't':
		return int(c - 'p' + 22)
	case c == 'U' || c == 'u':
		return 27
	case c >= 'V' && c <= 'Z':
		return int(c - 'V' + 27)
	case c >= 'v' && c <= 'z':
		return int(c - 'v' + 27)
	default:
		return -1
	}
}

type errInvalidCharacter struct{}

func (errInvalidCharacter) Error() string { return "invalid character in TSID" }

// ErrInvalidCharacter is returned when decoding a malformed TSID.
var ErrInvalidCharacter = errInvalidCharacter{}

package arbitrator

import (
	"encoding/binary"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Seeder produces the committee-draw seed for a dispute round. The default
// HashSeeder is only hard to predict casually: anyone controlling submission
// timing can grind it. Swap in a verifiable-randomness source where that
// matters.
type Seeder interface {
	Seed(disputeID int64, challenger string, round int, at time.Time) uint64
}

// HashSeeder derives the seed from blake2b-256 over time, dispute id,
// challenger and round.
type HashSeeder struct{}

func (HashSeeder) Seed(disputeID int64, challenger string, round int, at time.Time) uint64 {
	var buf [24]byte
	binary.BigEndian.PutUint64(buf[0:8], uint64(at.UnixNano()))
	binary.BigEndian.PutUint64(buf[8:16], uint64(disputeID))
	binary.BigEndian.PutUint64(buf[16:24], uint64(round))

	h, _ := blake2b.New256(nil)
	h.Write(buf[:])
	h.Write([]byte(challenger))
	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum[:8])
}

// FixedSeeder always returns the same seed.
type FixedSeeder uint64

func (f FixedSeeder) Seed(int64, string, int, time.Time) uint64 {
	return uint64(f)
}

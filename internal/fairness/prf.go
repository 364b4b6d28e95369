package fairness

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"io"
	"math"
	"strconv"

	"github.com/attaboy/wagerline/internal/domain"
	"golang.org/x/crypto/hkdf"
)

// ServerKey derives the per-game commitment key from the master secret.
func ServerKey(master []byte, gameID string) []byte {
	r := hkdf.New(sha256.New, master, nil, []byte("wagerline/fairness/"+gameID))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		// hkdf only fails past 255*32 bytes of output
		panic(err)
	}
	return key
}

// Commitment is hex(HMAC-SHA256(serverKey, seed)).
func Commitment(serverKey, seed []byte) string {
	m := hmac.New(sha256.New, serverKey)
	m.Write(seed)
	return hex.EncodeToString(m.Sum(nil))
}

// CheckCommitment compares in constant time.
func CheckCommitment(serverKey, seed []byte, commitment string) bool {
	want, err := hex.DecodeString(commitment)
	if err != nil {
		return false
	}
	m := hmac.New(sha256.New, serverKey)
	m.Write(seed)
	return hmac.Equal(m.Sum(nil), want)
}

// Uniform maps HMAC-SHA256(seed, roundID ":" nonce) onto [0,1) with 53 bits.
func Uniform(seed []byte, roundID string, nonce int64) float64 {
	m := hmac.New(sha256.New, seed)
	m.Write([]byte(roundID + ":" + strconv.FormatInt(nonce, 10)))
	v := binary.BigEndian.Uint64(m.Sum(nil)[:8])
	return float64(v>>11) / (1 << 53)
}

// Draw walks the cumulative distribution in declared order. Anything past the
// last slot is the house outcome.
func Draw(dist []domain.Probability, u float64) string {
	var cum float64
	for _, p := range dist {
		if p.Outcome == domain.HouseOutcome {
			continue
		}
		cum += p.P
		if u < cum {
			return p.Outcome
		}
	}
	return domain.HouseOutcome
}

// DriftFactor is 1 + clamp(gain*(target-realized), -bound, +bound).
// It depends only on the ratio observed before the round opens.
func DriftFactor(target, realized, gain, bound float64) float64 {
	adj := gain * (target - realized)
	return 1 + math.Max(-bound, math.Min(bound, adj))
}

// Distribution gives each choice target/multiplier, scaled by factor, with
// the remainder on the house outcome. If the scaled choices would exceed 1
// they are normalised and the house slot is empty.
func Distribution(choices []domain.Choice, target, factor float64) []domain.Probability {
	out := make([]domain.Probability, 0, len(choices)+1)
	var sum float64
	for _, c := range choices {
		m := c.Multiplier.InexactFloat64()
		p := float64(target / m * factor)
		out = append(out, domain.Probability{Outcome: c.Name, P: p})
		sum += p
	}
	if sum > 1 {
		for i := range out {
			out[i].P /= sum
		}
		sum = 1
	}
	return append(out, domain.Probability{Outcome: domain.HouseOutcome, P: math.Max(0, 1-sum)})
}

// sameDistribution tolerates last-bit differences from fused arithmetic.
func sameDistribution(a, b []domain.Probability) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Outcome != b[i].Outcome || math.Abs(a[i].P-b[i].P) > 1e-12 {
			return false
		}
	}
	return true
}

package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Fingerprint is the hex-encoded identity of a stage output, derived
// from the stage's configuration payload and the fingerprints of the
// artifacts it consumes, in declared upstream order. Identical
// fingerprints imply interchangeable content.
type Fingerprint string

// Short returns a truncated form for display.
func (f Fingerprint) Short() string {
	if len(f) <= 12 {
		return string(f)
	}
	return string(f[:12])
}

// fingerprintInput is the canonical hashed form. encoding/json sorts map
// keys, so the same payload always serializes identically.
type fingerprintInput struct {
	Kind     string        `json:"kind"`
	Params   interface{}   `json:"params"`
	Upstream []Fingerprint `json:"upstream"`
}

// Compute derives the fingerprint for a stage of the given kind with the
// given configuration payload and ordered upstream fingerprints. The
// payload is opaque: it only has to serialize deterministically.
func Compute(stageKind string, params interface{}, upstream []Fingerprint) (Fingerprint, error) {
	in := fingerprintInput{
		Kind:     stageKind,
		Params:   params,
		Upstream: upstream,
	}
	if in.Upstream == nil {
		in.Upstream = []Fingerprint{}
	}
	data, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("serialize fingerprint input: %w", err)
	}
	sum := sha256.Sum256(data)
	return Fingerprint(hex.EncodeToString(sum[:])), nil
}

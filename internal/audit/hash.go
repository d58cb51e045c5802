package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

type hashInput struct {
	Timestamp    string    `json:"timestamp"`
	EventKind    EventKind `json:"event_kind"`
	Actor        string    `json:"actor"`
	Details      Details   `json:"details"`
	PreviousHash string    `json:"previous_hash"`
}

// ComputeHash returns the SHA-256 of the entry's canonical content, excluding its own hash and sequence
func ComputeHash(e *Entry) (string, error) {
	canonical, err := canonicalJSON(hashInput{
		Timestamp:    e.Timestamp.UTC().Format(time.RFC3339Nano),
		EventKind:    e.EventKind,
		Actor:        e.Actor,
		Details:      e.Details,
		PreviousHash: e.PreviousHash,
	})
	if err != nil {
		return "", err
	}
	return sha256Hex(canonical), nil
}

// canonicalJSON encodes v compactly with recursively sorted object keys and no HTML escaping
func canonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode entry")
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic interface{}
	if err := dec.Decode(&generic); err != nil {
		return nil, errors.Wrap(err, "failed to normalise entry")
	}

	buf := new(bytes.Buffer)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, errors.Wrap(err, "failed to encode canonical entry")
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

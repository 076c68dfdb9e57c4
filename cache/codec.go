package cache

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// envelope is the stored form of a cache entry: the value alongside the
// metadata needed for lazy expiry.
type envelope struct {
	Value     json.RawMessage `json:"value"`
	WrittenAt time.Time       `json:"writtenAt"`
	TTLMillis int64           `json:"ttlMillis"`
}

func encodeEntry(value any, writtenAt time.Time, ttl time.Duration) (string, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return "", errors.Wrap(err, "[encodeEntry] marshal value")
	}

	encoded, err := json.Marshal(envelope{
		Value:     raw,
		WrittenAt: writtenAt,
		TTLMillis: ttl.Milliseconds(),
	})
	if err != nil {
		return "", errors.Wrap(err, "[encodeEntry] marshal envelope")
	}
	return string(encoded), nil
}

func decodeEntry(stored string) (envelope, error) {
	var env envelope
	if err := json.Unmarshal([]byte(stored), &env); err != nil {
		return envelope{}, errors.Wrap(err, "[decodeEntry] unmarshal envelope")
	}
	return env, nil
}

func (e envelope) value(dest any) error {
	if err := json.Unmarshal(e.Value, dest); err != nil {
		return errors.Wrap(err, "[envelope.value] unmarshal value")
	}
	return nil
}

func (e envelope) expired(now time.Time) bool {
	return now.Sub(e.WrittenAt) > time.Duration(e.TTLMillis)*time.Millisecond
}

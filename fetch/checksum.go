package fetch

import (
	"encoding/hex"
	"fmt"
	"hash"
)

// checksumVerifier accumulates a checksum of the appended bytes and
// compares it against an expected hex digest at finalize time.
type checksumVerifier struct {
	hash     hash.Hash
	expected string
}

func (v *checksumVerifier) Write(p []byte) (int, error) {
	return v.hash.Write(p)
}

// reset clears the accumulated state when the engine discards its
// scratch contents and starts over.
func (v *checksumVerifier) reset() {
	if v == nil {
		return
	}
	v.hash.Reset()
}

func (v *checksumVerifier) verify() error {
	if v == nil {
		return nil
	}

	actual := hex.EncodeToString(v.hash.Sum(nil))
	if actual != v.expected {
		return &Error{
			Err:    ErrChecksumMismatch,
			Detail: fmt.Sprintf("expected %s, got %s", v.expected, actual),
		}
	}

	return nil
}

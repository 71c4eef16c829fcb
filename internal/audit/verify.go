package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// VerifyResult holds the outcome of a chain verification.
type VerifyResult struct {
	Valid       bool   `json:"valid"`
	Count       int    `json:"count"`
	BrokenAtSeq *int64 `json:"broken_at_seq,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

func broken(seq int64, count int, format string, args ...any) VerifyResult {
	return VerifyResult{
		Count:       count,
		BrokenAtSeq: &seq,
		Reason:      fmt.Sprintf(format, args...),
	}
}

// VerifyLines validates a serialized chain. The first failing position
// is reported as BrokenAtSeq; positions count from 0, matching the
// sequence numbers an intact chain carries.
func VerifyLines(lines [][]byte) VerifyResult {
	expectedPrev := GenesisHash

	for i, line := range lines {
		pos := int64(i)

		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			return broken(pos, i, "parse error: %v", err)
		}
		if entry.Seq != pos {
			return broken(pos, i, "sequence mismatch: expected %d, got %d", pos, entry.Seq)
		}
		if entry.PrevHash != expectedPrev {
			return broken(pos, i, "prev_hash mismatch: expected %s, got %s", short(expectedPrev), short(entry.PrevHash))
		}
		if computed := ComputeHash(entry); entry.Hash != computed {
			return broken(pos, i, "hash mismatch: expected %s, got %s", short(computed), short(entry.Hash))
		}
		// Decoding is lenient about key case and unknown fields, so the
		// stored bytes must also be exactly what Append wrote.
		if canonical, err := json.Marshal(entry); err != nil || !bytes.Equal(line, canonical) {
			return broken(pos, i, "stored entry is not in canonical form")
		}
		expectedPrev = entry.Hash
	}

	return VerifyResult{Valid: true, Count: len(lines)}
}

func short(h string) string {
	if len(h) > 16 {
		return h[:16] + "..."
	}
	return h
}

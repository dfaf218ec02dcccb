// Package verify implements streaming integrity verification for
// downloaded artifacts: a SHA-256 digest computed while the bytes are
// relayed to their destination, and the comparison of observed digest
// and size against expected values.
package verify

import (
	"errors"
	"fmt"
	"io"

	"github.com/opencontainers/go-digest"
)

// Integrity failure sentinels. Neither is retryable: the bytes already
// arrived, they are simply not the bytes that were promised.
var (
	// ErrHashMismatch indicates the observed digest differs from the
	// expected one. Always fatal, possible tampering.
	ErrHashMismatch = errors.New("hash mismatch")

	// ErrSizeMismatch indicates the observed size deviates from the
	// expected size past the fatal threshold.
	ErrSizeMismatch = errors.New("size mismatch")
)

// fatalSizeVariance is the relative size deviation beyond which a size
// mismatch escalates from warning to fatal.
const fatalSizeVariance = 0.10

// Severity of a single finding.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityFatal   Severity = "fatal"
)

// Finding codes.
const (
	CodeSizeMismatch = "size_mismatch"
	CodeHashMismatch = "hash_mismatch"
)

// Finding is one discrepancy between expected and observed artifact
// properties. Detail always carries both values and, where a mechanical
// remediation exists, a line beginning "SUGGESTED FIX:".
type Finding struct {
	Code     string   `json:"code"`
	Severity Severity `json:"severity"`
	Detail   string   `json:"detail"`
}

// Result is the outcome of verifying one artifact. OK is true only when
// no fatal finding is present; warnings do not fail verification.
type Result struct {
	OK             bool      `json:"ok"`
	ObservedSHA256 string    `json:"observed_sha256"`
	ObservedSize   int64     `json:"observed_size"`
	Findings       []Finding `json:"findings,omitempty"`
}

// Fatal returns the first fatal finding, if any.
func (r Result) Fatal() (Finding, bool) {
	for _, f := range r.Findings {
		if f.Severity == SeverityFatal {
			return f, true
		}
	}
	return Finding{}, false
}

// Err maps a failed Result to its integrity sentinel. A passing Result
// returns nil.
func (r Result) Err() error {
	f, ok := r.Fatal()
	if !ok {
		return nil
	}
	switch f.Code {
	case CodeHashMismatch:
		return fmt.Errorf("%w: %s", ErrHashMismatch, f.Detail)
	case CodeSizeMismatch:
		return fmt.Errorf("%w: %s", ErrSizeMismatch, f.Detail)
	default:
		return fmt.Errorf("verification failed: %s", f.Detail)
	}
}

// Stream copies src to dst while computing the SHA-256 digest of the
// bytes in transit. Memory stays bounded regardless of payload size:
// the payload is never buffered whole. Returns the hex digest and the
// number of bytes copied.
func Stream(dst io.Writer, src io.Reader) (string, int64, error) {
	digester := digest.SHA256.Digester()
	n, err := io.Copy(io.MultiWriter(dst, digester.Hash()), src)
	if err != nil {
		return "", n, err
	}
	return digester.Digest().Encoded(), n, nil
}

// Check compares observed digest and size against expected values and
// produces a Result. expectedSize == 0 means the size is undeclared and
// only the digest is checked.
//
// Size rules: any non-zero deviation yields a size_mismatch finding;
// a deviation above 10% of the expected size is fatal, below it a
// warning. A digest mismatch is always fatal and flagged as possible
// tampering.
func Check(expectedSHA256 string, expectedSize int64, observedSHA256 string, observedSize int64) Result {
	res := Result{
		OK:             true,
		ObservedSHA256: observedSHA256,
		ObservedSize:   observedSize,
	}

	if expectedSize > 0 && observedSize != expectedSize {
		diff := observedSize - expectedSize
		if diff < 0 {
			diff = -diff
		}
		variance := float64(diff) / float64(expectedSize)
		severity := SeverityWarning
		if variance > fatalSizeVariance {
			severity = SeverityFatal
			res.OK = false
		}
		res.Findings = append(res.Findings, Finding{
			Code:     CodeSizeMismatch,
			Severity: severity,
			Detail: fmt.Sprintf(
				"size mismatch: expected %d bytes, observed %d bytes (%.1f%% deviation)\nSUGGESTED FIX: update size_bytes to %d",
				expectedSize, observedSize, variance*100, observedSize),
		})
	}

	if observedSHA256 != expectedSHA256 {
		res.OK = false
		res.Findings = append(res.Findings, Finding{
			Code:     CodeHashMismatch,
			Severity: SeverityFatal,
			Detail: fmt.Sprintf(
				"hash mismatch (possible tampering): expected sha256 %s, observed %s\nSUGGESTED FIX: update sha256 to \"%s\"",
				expectedSHA256, observedSHA256, observedSHA256),
		})
	}

	return res
}

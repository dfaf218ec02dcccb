package verify

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{in: "head", want: LevelHead},
		{in: "partial", want: LevelPartial},
		{in: "full", want: LevelFull},
		{in: "paranoid", wantErr: true},
		{in: "", wantErr: true},
		{in: "Full", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.in, got.String())
		})
	}
}

func TestStream(t *testing.T) {
	payload := bytes.Repeat([]byte("toolchain bytes "), 4096)

	var dst bytes.Buffer
	observed, n, err := Stream(&dst, bytes.NewReader(payload))
	require.NoError(t, err)

	assert.Equal(t, int64(len(payload)), n)
	assert.Equal(t, payload, dst.Bytes())
	assert.Equal(t, sha256Hex(payload), observed)
}

func TestStreamIdempotent(t *testing.T) {
	payload := []byte("the same bytes, hashed twice")

	first, _, err := Stream(&bytes.Buffer{}, bytes.NewReader(payload))
	require.NoError(t, err)
	second, _, err := Stream(&bytes.Buffer{}, bytes.NewReader(payload))
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestCheck(t *testing.T) {
	payload := []byte("artifact payload")
	goodHash := sha256Hex(payload)

	tests := []struct {
		name         string
		expectedHash string
		expectedSize int64
		observedSize int64
		wantOK       bool
		wantCodes    []string
		wantFatal    string
	}{
		{
			name:         "exact match",
			expectedHash: goodHash,
			expectedSize: int64(len(payload)),
			observedSize: int64(len(payload)),
			wantOK:       true,
		},
		{
			name:         "undeclared size checks digest only",
			expectedHash: goodHash,
			expectedSize: 0,
			observedSize: int64(len(payload)),
			wantOK:       true,
		},
		{
			name:         "small size deviation is a warning",
			expectedHash: goodHash,
			expectedSize: 1000,
			observedSize: 1050,
			wantOK:       true,
			wantCodes:    []string{CodeSizeMismatch},
		},
		{
			name:         "large size deviation is fatal",
			expectedHash: goodHash,
			expectedSize: 1000,
			observedSize: 1500,
			wantOK:       false,
			wantCodes:    []string{CodeSizeMismatch},
			wantFatal:    CodeSizeMismatch,
		},
		{
			name:         "hash mismatch is always fatal",
			expectedHash: sha256Hex([]byte("different payload")),
			expectedSize: int64(len(payload)),
			observedSize: int64(len(payload)),
			wantOK:       false,
			wantCodes:    []string{CodeHashMismatch},
			wantFatal:    CodeHashMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Check(tt.expectedHash, tt.expectedSize, goodHash, tt.observedSize)
			assert.Equal(t, tt.wantOK, res.OK)

			var codes []string
			for _, f := range res.Findings {
				codes = append(codes, f.Code)
			}
			assert.Equal(t, tt.wantCodes, codes)

			fatal, hasFatal := res.Fatal()
			if tt.wantFatal != "" {
				require.True(t, hasFatal)
				assert.Equal(t, tt.wantFatal, fatal.Code)
			} else {
				assert.False(t, hasFatal)
			}
		})
	}
}

func TestCheckDetailCarriesSuggestedFix(t *testing.T) {
	observed := sha256Hex([]byte("tampered"))
	expected := sha256Hex([]byte("original"))

	res := Check(expected, 100, observed, 150)
	require.False(t, res.OK)
	require.Len(t, res.Findings, 2)

	for _, f := range res.Findings {
		assert.Contains(t, f.Detail, "SUGGESTED FIX:")
	}
	assert.Contains(t, res.Findings[0].Detail, "update size_bytes to 150")
	assert.Contains(t, res.Findings[1].Detail, expected)
	assert.Contains(t, res.Findings[1].Detail, observed)
	assert.Contains(t, res.Findings[1].Detail, "tampering")
}

func TestResultErr(t *testing.T) {
	expected := sha256Hex([]byte("a"))
	observed := sha256Hex([]byte("b"))

	res := Check(expected, 0, observed, 10)
	err := res.Err()
	require.ErrorIs(t, err, ErrHashMismatch)
	assert.True(t, strings.Contains(err.Error(), observed))

	res = Check(expected, 100, expected, 200)
	require.ErrorIs(t, res.Err(), ErrSizeMismatch)

	res = Check(expected, 0, expected, 10)
	assert.NoError(t, res.Err())
}

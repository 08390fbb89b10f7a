package share

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"
)

const (
	// CodeLength is the number of symbols in a share code
	CodeLength = 6
	// CodeAlphabet holds the 36 symbols codes are drawn from
	CodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// CodeGenerator produces candidate share codes. It makes no uniqueness guarantee.
type CodeGenerator interface {
	Generate() (string, error)
}

// RandomCodeGenerator draws codes uniformly from CodeAlphabet
type RandomCodeGenerator struct {
	reader io.Reader
}

// NewRandomCodeGenerator creates a generator backed by crypto/rand
func NewRandomCodeGenerator() *RandomCodeGenerator {
	return &RandomCodeGenerator{reader: rand.Reader}
}

// Generate returns a new CodeLength-symbol code
func (g *RandomCodeGenerator) Generate() (string, error) {
	// 252 is the largest multiple of 36 below 256; higher bytes are rejected to keep the draw uniform
	const limit = 252

	code := make([]byte, 0, CodeLength)
	buf := make([]byte, CodeLength*2)
	for len(code) < CodeLength {
		if _, err := io.ReadFull(g.reader, buf); err != nil {
			return "", fmt.Errorf("failed to read random bytes: %w", err)
		}
		for _, b := range buf {
			if b >= limit {
				continue
			}
			code = append(code, CodeAlphabet[int(b)%len(CodeAlphabet)])
			if len(code) == CodeLength {
				break
			}
		}
	}
	return string(code), nil
}

// NormalizeCode upper-cases and trims a user supplied code
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// IsValidCode reports whether code is CodeLength symbols from CodeAlphabet
func IsValidCode(code string) bool {
	if len(code) != CodeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		if strings.IndexByte(CodeAlphabet, code[i]) < 0 {
			return false
		}
	}
	return true
}

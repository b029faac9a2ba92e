package grant

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"strings"
)

// Crockford base32 without the ambiguous letters I, L, O and U.
const codeAlphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

var codeEncoding = base32.NewEncoding(codeAlphabet).WithPadding(base32.NoPadding)

const (
	codeBytes = 10 // 80 bits
	codeChars = 16
	groupLen  = 4
)

func newCode() (string, error) {
	buf := make([]byte, codeBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return format(codeEncoding.EncodeToString(buf)), nil
}

func format(raw string) string {
	var b strings.Builder
	for i := 0; i < len(raw); i += groupLen {
		if i > 0 {
			b.WriteByte('-')
		}
		b.WriteString(raw[i : i+groupLen])
	}
	return b.String()
}

// NormalizeCode upper-cases input, strips dashes and spaces, maps the look-alike letters
// O, I and L to digits and returns the canonical XXXX-XXXX-XXXX-XXXX form.
func NormalizeCode(input string) (string, error) {
	var b strings.Builder
	for _, r := range strings.ToUpper(input) {
		switch r {
		case '-', ' ', '\t':
			continue
		case 'O':
			r = '0'
		case 'I', 'L':
			r = '1'
		}
		if !strings.ContainsRune(codeAlphabet, r) {
			return "", fmt.Errorf("%w: unexpected character %q", ErrInvalidCode, r)
		}
		b.WriteRune(r)
	}
	raw := b.String()
	if len(raw) != codeChars {
		return "", fmt.Errorf("%w: expected %d characters", ErrInvalidCode, codeChars)
	}
	return format(raw), nil
}

package room

import (
	"math/rand/v2"
	"net/url"
	"strings"
)

// CodeAlphabet leaves out glyphs that are easy to misread (I, L, O, 0, 1).
const (
	CodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
	CodeLength   = 4
	CodeParam    = "room"
)

func GenerateCode() string {
	var b [CodeLength]byte
	for i := range b {
		b[i] = CodeAlphabet[rand.IntN(len(CodeAlphabet))]
	}
	return string(b[:])
}

// NormalizeCode upper-cases a typed code and drops any whitespace.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.Join(strings.Fields(code), ""))
}

func ValidCode(code string) bool {
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

// ShareURL returns base with ?room=CODE set.
func ShareURL(base, code string) (string, error) {
	code = NormalizeCode(code)
	if !ValidCode(code) {
		return "", ErrInvalidCode
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set(CodeParam, code)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// CodeFromURL extracts the join code carried by a share URL and returns the
// URL with the parameter removed, so it is consumed once.
func CodeFromURL(raw string) (code, stripped string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", raw, err
	}
	q := u.Query()
	if !q.Has(CodeParam) {
		return "", raw, ErrInvalidCode
	}
	code = NormalizeCode(q.Get(CodeParam))
	q.Del(CodeParam)
	u.RawQuery = q.Encode()
	if !ValidCode(code) {
		return "", u.String(), ErrInvalidCode
	}
	return code, u.String(), nil
}

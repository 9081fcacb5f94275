package api

import (
	"crypto/rand"
	"math/big"
	"regexp"
	"strings"
)

const (
	idLength = 24
	charset  = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	responseIDPrefix = "resp_"
	messageIDPrefix  = "msg_"
	callIDPrefix     = "call_"
)

var (
	responseIDPattern = regexp.MustCompile(`^resp_[a-zA-Z0-9_-]+$`)
	unsafeIDChars     = regexp.MustCompile(`[^a-zA-Z0-9_-]`)
)

// NewResponseID returns "resp_" plus 24 random alphanumerics.
func NewResponseID() string {
	return responseIDPrefix + RandomAlphanumeric(idLength)
}

// NewMessageID returns "msg_" plus 24 random alphanumerics.
func NewMessageID() string {
	return messageIDPrefix + RandomAlphanumeric(idLength)
}

// NewCallID returns "call_" plus 24 random alphanumerics.
func NewCallID() string {
	return callIDPrefix + RandomAlphanumeric(idLength)
}

// ValidateResponseID reports whether id looks like a response id.
func ValidateResponseID(id string) bool {
	return responseIDPattern.MatchString(id)
}

// NormalizeResponseID turns a worker or client supplied identifier into a
// response id: "resp_" and "chatcmpl-" prefixes are stripped, unsafe
// characters dropped, and "resp_" re-applied. An empty result gets a fresh id.
func NormalizeResponseID(v string) string {
	base := strings.TrimPrefix(strings.TrimSpace(v), responseIDPrefix)
	base = strings.TrimPrefix(base, "chatcmpl-")
	return sanitizeID(base, responseIDPrefix)
}

// NormalizeMessageID is NormalizeResponseID for message ids.
func NormalizeMessageID(v string) string {
	base := strings.TrimPrefix(strings.TrimSpace(v), messageIDPrefix)
	return sanitizeID(base, messageIDPrefix)
}

func sanitizeID(base, prefix string) string {
	cleaned := unsafeIDChars.ReplaceAllString(base, "")
	if cleaned == "" {
		return prefix + RandomAlphanumeric(idLength)
	}
	if strings.HasPrefix(cleaned, prefix) {
		return cleaned
	}
	return prefix + cleaned
}

// RandomAlphanumeric returns n cryptographically random characters from
// [a-zA-Z0-9].
func RandomAlphanumeric(n int) string {
	max := big.NewInt(int64(len(charset)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic("crypto/rand failed: " + err.Error())
		}
		b[i] = charset[idx.Int64()]
	}
	return string(b)
}

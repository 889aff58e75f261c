// Package identifier encodes a (course, user) pair into the opaque token
// exchanged with the proctoring API as the participant identifier.
//
// The token is the lowercase hex encoding of "<courseID>-<userID>". Hex keeps
// the token strictly alphanumeric so it survives the vendor's query filtering
// syntax, and the embedded dash makes decoding unambiguous.
package identifier

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformed is returned for any token that does not decode to exactly one
// non-negative (course, user) pair. There are no partial decodes.
var ErrMalformed = fmt.Errorf("malformed participant identifier")

// Identity is a decoded participant identifier.
type Identity struct {
	CourseID int64
	UserID   int64
}

// Encode builds the participant identifier token for a course/user pair.
// Encode(Decode(t)) reproduces t for every token Decode accepts.
func Encode(courseID, userID int64) string {
	return hex.EncodeToString([]byte(strconv.FormatInt(courseID, 10) + "-" + strconv.FormatInt(userID, 10)))
}

// Decode parses a participant identifier token.
func Decode(token string) (Identity, error) {
	if token == "" || !IsAlnum(token) {
		return Identity{}, fmt.Errorf("%w: %q", ErrMalformed, token)
	}
	raw, err := hex.DecodeString(strings.ToLower(token))
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %q", ErrMalformed, token)
	}
	parts := strings.Split(string(raw), "-")
	if len(parts) != 2 {
		return Identity{}, fmt.Errorf("%w: %q", ErrMalformed, token)
	}
	courseID, err := parsePart(parts[0])
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %q", ErrMalformed, token)
	}
	userID, err := parsePart(parts[1])
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %q", ErrMalformed, token)
	}
	return Identity{CourseID: courseID, UserID: userID}, nil
}

func parsePart(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty segment")
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("non-digit segment")
		}
	}
	return strconv.ParseInt(s, 10, 64)
}

// IsAlnum reports whether s is non-empty ASCII letters and digits only.
func IsAlnum(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		default:
			return false
		}
	}
	return true
}

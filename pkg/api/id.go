package api

import (
	"crypto/rand"
	"math/big"
	"regexp"
)

const (
	idLength = 24
	charset  = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	executionIDPrefix = "exec_"

	markerPrefix = "__SANDOUT_END_"
	markerSuffix = "__"
)

var (
	executionIDPattern = regexp.MustCompile(`^exec_[a-zA-Z0-9]{24}$`)
	markerPattern      = regexp.MustCompile(`^__SANDOUT_END_[a-zA-Z0-9]{24}__$`)
)

// NewExecutionID returns "exec_" followed by 24 random alphanumerics.
func NewExecutionID() string {
	return executionIDPrefix + randomAlphanumeric(idLength)
}

// ValidateExecutionID reports whether id has the execution ID format.
func ValidateExecutionID(id string) bool {
	return executionIDPattern.MatchString(id)
}

// NewMarker returns a fresh end-of-output marker. The random part makes it
// unguessable by the sandboxed program, so the program cannot end its own
// capture early by printing the marker.
func NewMarker() string {
	return markerPrefix + randomAlphanumeric(idLength) + markerSuffix
}

// ValidateMarker reports whether m has the marker format.
func ValidateMarker(m string) bool {
	return markerPattern.MatchString(m)
}

func randomAlphanumeric(n int) string {
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

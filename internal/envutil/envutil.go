package envutil

import (
	"os"
	"strings"
)

// IsDev reports whether IDFRONT_ENV selects development mode, where
// cookies may be sent over plain HTTP.
func IsDev() bool {
	env := strings.ToLower(os.Getenv("IDFRONT_ENV"))
	return env == "development" || env == "dev"
}

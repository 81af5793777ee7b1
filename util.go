package journal

import (
	"encoding/hex"
	"log/slog"
	"strings"
)

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func ensure(err error) {
	if err != nil {
		panic(err)
	}
}

// splitByte splits s on the first occurrence of sep, the way queue
// file names (Q.<ts>, Q.read.<name>) are pulled apart.
func splitByte(s string, sep byte) (string, string, bool) {
	i := strings.IndexByte(s, sep)
	if i < 0 {
		return s, "", false
	} else {
		return s[:i], s[i+1:], true
	}
}

func hexstr(b []byte) string {
	if b == nil {
		return "<nil>"
	}
	if len(b) == 0 {
		return "<empty>"
	}
	return hex.EncodeToString(b)
}

func hexAttr(key string, b []byte) slog.Attr {
	return slog.String(key, hexstr(b))
}

package httpkit

import (
	"io"
	"strings"
)

// Discard drains up to limit bytes from rc and closes it so the
// connection can be reused.
func Discard(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.CopyN(io.Discard, rc, limit)
	_ = rc.Close()
}

// Snippet returns up to limit bytes of rc, trimmed, for an error
// message. The rest is discarded.
func Snippet(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	var sb strings.Builder
	_, err := io.CopyN(&sb, rc, limit)
	Discard(rc, 4096)
	if err != nil && err != io.EOF {
		sb.WriteString(" (read error: " + err.Error() + ")")
	}
	return strings.TrimSpace(sb.String())
}

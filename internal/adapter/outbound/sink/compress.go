package sink

import (
	"bytes"
	"compress/gzip"
)

// compressMinBytes is the payload size below which compression is skipped.
const compressMinBytes = 1024

// maybeGzip compresses the payload when it is large enough and the result
// is actually smaller. The second return reports whether the payload is
// gzip-encoded.
func maybeGzip(payload []byte) ([]byte, bool) {
	if len(payload) < compressMinBytes {
		return payload, false
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		return payload, false
	}
	if err := zw.Close(); err != nil {
		return payload, false
	}
	if buf.Len() >= len(payload) {
		return payload, false
	}
	return buf.Bytes(), true
}

package filetype

import (
	"bytes"
	"compress/bzip2"
	"compress/flate"
	"compress/gzip"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
)

// maxInflate bounds how much decompressed preview data the classifier
// will read, guarding against a hostile body inflating into memory
// unbounded.
const maxInflate = 1 << 20

// ClassifyHTTPBody adds HTTP-aware classification on top of Classify:
// if contentEncoding names a supported compression, the preview bytes
// are inflated (bounded) before classification; if contentType looks
// like text/html, text/css, or text/javascript, a TEXT-group result is
// upgraded to TypeHTML.
func ClassifyHTTPBody(db *Database, data []byte, contentEncoding, contentType string) (Type, bool) {
	decoded, err := inflate(data, contentEncoding)
	if err != nil {
		decoded = data // fall back to classifying the raw bytes
	}
	t, ok := db.Classify(decoded)
	if ok && t.Groups&GroupText != 0 && looksLikeMarkupContentType(contentType) {
		return TypeHTML, true
	}
	return t, ok
}

func inflate(data []byte, contentEncoding string) ([]byte, error) {
	enc := strings.ToLower(strings.TrimSpace(contentEncoding))
	var r io.Reader
	switch enc {
	case "gzip":
		gz, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		r = gz
	case "deflate":
		fr := flate.NewReader(bytes.NewReader(data))
		defer fr.Close()
		r = fr
	case "bzip2":
		r = bzip2.NewReader(bytes.NewReader(data))
	case "br":
		r = brotli.NewReader(bytes.NewReader(data))
	default:
		return data, nil
	}
	return io.ReadAll(io.LimitReader(r, maxInflate))
}

func looksLikeMarkupContentType(contentType string) bool {
	ct := strings.ToLower(contentType)
	for _, prefix := range []string{"text/html", "text/css", "text/javascript", "application/javascript"} {
		if strings.HasPrefix(ct, prefix) {
			return true
		}
	}
	return false
}

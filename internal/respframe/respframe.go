// Package respframe builds the fixed response shape every transport emits:
// status line, Content-Type, optional Content-Length, blank line, optional
// body. There is no chunked encoding and no keep-alive, so a framed
// response is always the entire remainder of the connection's write side.
package respframe

import (
	"strconv"
	"strings"

	"github.com/valyala/bytebufferpool"
)

var preamblePool bytebufferpool.Pool

// mimeTable is matched in order by substring (an extension anywhere in the
// path counts, not only at its end), exactly as get_mime_type() in the
// original C source did with a chain of strstr calls — a map would hide
// the fact that match order (and therefore which suffix wins on an
// ambiguous name) is part of the observable behavior.
var mimeTable = []struct {
	suffixes []string
	mime     string
}{
	{[]string{".jpg", ".jpeg"}, "image/jpeg"},
	{[]string{".pdf"}, "application/pdf"},
	{[]string{".zip"}, "application/zip"},
	{[]string{".txt"}, "text/plain"},
	{[]string{".html"}, "text/html"},
}

const defaultMime = "application/octet-stream"

// MimeFor returns the MIME type for path by ordered substring match.
func MimeFor(path string) string {
	for _, e := range mimeTable {
		for _, suf := range e.suffixes {
			if strings.Contains(path, suf) {
				return e.mime
			}
		}
	}
	return defaultMime
}

// Status codes used across every transport, named for readability at call
// sites.
const (
	StatusOK                  = 200
	StatusCreated             = 201
	StatusBadRequest          = 400
	StatusNotFound            = 404
	StatusMethodNotAllowed    = 405
	StatusLengthRequired      = 411
	StatusInternalServerError = 500
)

var reasonPhrase = map[int]string{
	StatusOK:                  "OK",
	StatusCreated:             "Created",
	StatusBadRequest:          "Bad Request",
	StatusNotFound:            "Not Found",
	StatusMethodNotAllowed:    "Method Not Allowed",
	StatusLengthRequired:      "Length Required",
	StatusInternalServerError: "Internal Server Error",
}

// Header builds the status-line + headers + blank-line preamble for a
// response. When contentLength < 0 no Content-Length header is emitted.
// The preamble never includes a body; PlainText appends its body text
// after a preamble built with the body's length.
func Header(status int, mime string, contentLength int64) []byte {
	buf := preamblePool.Get()
	defer preamblePool.Put(buf)
	buf.Reset()

	buf.B = append(buf.B, "HTTP/1.1 "...)
	buf.B = strconv.AppendInt(buf.B, int64(status), 10)
	buf.B = append(buf.B, ' ')
	buf.B = append(buf.B, reasonPhrase[status]...)
	buf.B = append(buf.B, "\r\nContent-Type: "...)
	buf.B = append(buf.B, mime...)
	buf.B = append(buf.B, "\r\n"...)
	if contentLength >= 0 {
		buf.B = append(buf.B, "Content-Length: "...)
		buf.B = strconv.AppendInt(buf.B, contentLength, 10)
		buf.B = append(buf.B, "\r\n"...)
	}
	buf.B = append(buf.B, "\r\n"...)

	out := make([]byte, len(buf.B))
	copy(out, buf.B)
	return out
}

// PlainText builds a complete status+Content-Type+Content-Length+body
// response for the small textual error/success responses every transport
// sends on a terminal 4xx/5xx/2xx-without-a-file path.
func PlainText(status int, body string) []byte {
	head := Header(status, "text/plain", int64(len(body)))
	out := make([]byte, 0, len(head)+len(body))
	out = append(out, head...)
	out = append(out, body...)
	return out
}

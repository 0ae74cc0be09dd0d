package reqlex

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestHeadersComplete(t *testing.T) {
	require.False(t, HeadersComplete([]byte("GET /foo HTTP/1.1\r\n")))
	require.True(t, HeadersComplete([]byte("GET /foo HTTP/1.1\r\n\r\n")))
}

func TestLexGet(t *testing.T) {
	req, err := Lex([]byte("GET /index.html HTTP/1.1\r\nHost: x\r\n\r\n"))
	require.NoError(t, err)
	require.Equal(t, MethodGet, req.Method)
	require.Equal(t, "/index.html", req.Target)
}

func TestLexPutWithContentLength(t *testing.T) {
	buf := []byte("PUT /upload/file.bin HTTP/1.1\r\nContent-Length: 128\r\n\r\nBODYBYTES")
	req, err := Lex(buf)
	require.NoError(t, err)
	require.Equal(t, MethodPut, req.Method)
	require.Equal(t, "/upload/file.bin", req.Target)
	require.EqualValues(t, 128, req.ContentLength)
	require.Equal(t, "BODYBYTES", string(buf[req.HeaderEnd:]))
}

func TestLexPutMissingContentLength(t *testing.T) {
	_, err := Lex([]byte("PUT /upload/file.bin HTTP/1.1\r\n\r\n"))
	require.Error(t, err)
	lexErr, ok := err.(*Error)
	require.True(t, ok)
	require.Equal(t, 411, lexErr.Status)
}

func TestLexPutBadTarget(t *testing.T) {
	_, err := Lex([]byte("PUT /elsewhere/file.bin HTTP/1.1\r\nContent-Length: 4\r\n\r\n"))
	require.Error(t, err)
	lexErr, ok := err.(*Error)
	require.True(t, ok)
	require.Equal(t, 400, lexErr.Status)
}

func TestLexUnknownMethod(t *testing.T) {
	_, err := Lex([]byte("DELETE /upload/file.bin HTTP/1.1\r\n\r\n"))
	require.Error(t, err)
	lexErr, ok := err.(*Error)
	require.True(t, ok)
	require.Equal(t, 405, lexErr.Status)
}

func TestLexMalformedRequestLine(t *testing.T) {
	_, err := Lex([]byte("GARBAGE\r\n\r\n"))
	require.Error(t, err)
	lexErr, ok := err.(*Error)
	require.True(t, ok)
	require.Equal(t, 400, lexErr.Status)
}

func TestUploadPrefixLenIsSeven(t *testing.T) {
	require.Equal(t, 7, uploadPrefixLen)
	require.True(t, hasUploadPrefix("/upload"))
	require.True(t, hasUploadPrefix("/upload/nested/file"))
	require.False(t, hasUploadPrefix("/uploa"))
}

func TestLexPutFieldsMatchExpectedRequest(t *testing.T) {
	buf := []byte("PUT /upload/report.csv HTTP/1.1\r\nContent-Length: 12\r\n\r\n")
	got, err := Lex(buf)
	require.NoError(t, err)

	want := Request{
		Method:        MethodPut,
		Target:        "/upload/report.csv",
		ContentLength: 12,
		HeaderEnd:     len(buf),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Lex result mismatch (-want +got):\n%s", diff)
	}
}

func TestLexContentLengthIsCaseSensitive(t *testing.T) {
	_, err := Lex([]byte("PUT /upload/file.bin HTTP/1.1\r\ncontent-length: 4\r\n\r\n"))
	require.Error(t, err)
	lexErr, ok := err.(*Error)
	require.True(t, ok)
	require.Equal(t, 411, lexErr.Status)
}

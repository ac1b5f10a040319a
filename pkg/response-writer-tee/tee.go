package tee

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
)

// ResponseSaver is an http.ResponseWriter that records the response of a
// handler so it can be read back with http.ReadResponse.
type ResponseSaver struct {
	header http.Header
	// header as it was when the status was written
	sent   http.Header
	status int
	body   bytes.Buffer
}

// NewResponseSaver returns an empty ResponseSaver.
func NewResponseSaver() *ResponseSaver {
	return &ResponseSaver{header: make(http.Header)}
}

func (s *ResponseSaver) Header() http.Header {
	return s.header
}

// WriteHeader records the status. Like net/http, only the first call counts
// and header changes made afterwards are ignored.
func (s *ResponseSaver) WriteHeader(statusCode int) {
	if s.status != 0 {
		return
	}
	s.status = statusCode
	s.sent = s.header.Clone()
}

func (s *ResponseSaver) Write(b []byte) (int, error) {
	s.WriteHeader(http.StatusOK)
	return s.body.Write(b)
}

// Response returns the recorded response in HTTP/1.1 format.
// A handler that wrote nothing is recorded as an empty 200, like net/http does.
func (s *ResponseSaver) Response() []byte {
	s.WriteHeader(http.StatusOK)
	header := s.sent
	header.Del("Transfer-Encoding")
	if header.Get("Content-Length") == "" {
		header.Set("Content-Length", strconv.Itoa(s.body.Len()))
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", s.status, http.StatusText(s.status))
	header.Write(&b)
	b.WriteString("\r\n")
	b.Write(s.body.Bytes())
	return b.Bytes()
}

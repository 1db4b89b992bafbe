package main

import (
	"bytes"
	"errors"
)

// Request parsing is deliberately single-shot: the bytes of one read are
// parsed on their own and nothing is carried over to the next read. A request
// line split across two TCP segments is therefore rejected.

var (
	// errRequestIncomplete means the read ended before the path was terminated.
	errRequestIncomplete = errors.New("request line incomplete")
	// errRequestMalformed means the bytes cannot be an HTTP request line.
	errRequestMalformed = errors.New("request line malformed")
)

var (
	httpVersion10 = []byte("HTTP/1.0")
	httpVersion11 = []byte("HTTP/1.1")
)

// parseRequestPath extracts <path> from "<METHOD> <path> <version>".
//
// Method, version and everything after the request line are not interpreted
// beyond what is needed to reject garbage. A version that has not fully
// arrived is accepted as long as what is there is a prefix of HTTP/1.0 or
// HTTP/1.1.
func parseRequestPath(buf []byte) (string, error) {
	i := 0
	// Leading empty lines are tolerated, as HTTP/1.1 servers do.
	for i < len(buf) && (buf[i] == '\r' || buf[i] == '\n') {
		i++
	}

	start := i
	for i < len(buf) && isTokenChar(buf[i]) {
		i++
	}
	if i == len(buf) {
		return "", errRequestIncomplete
	}
	if i == start || buf[i] != ' ' {
		return "", errRequestMalformed
	}
	i++

	start = i
	for i < len(buf) && isURIChar(buf[i]) {
		i++
	}
	if i == len(buf) {
		return "", errRequestIncomplete
	}
	if i == start || buf[i] != ' ' {
		return "", errRequestMalformed
	}
	path := string(buf[start:i])
	i++

	rest := buf[i:]
	ver := rest
	if len(ver) > len(httpVersion11) {
		ver = ver[:len(httpVersion11)]
	}
	if !bytes.HasPrefix(httpVersion11, ver) && !bytes.HasPrefix(httpVersion10, ver) {
		return "", errRequestMalformed
	}
	if len(rest) > len(httpVersion11) {
		if c := rest[len(httpVersion11)]; c != '\r' && c != '\n' {
			return "", errRequestMalformed
		}
	}
	return path, nil
}

// isTokenChar reports whether c is an RFC 9110 tchar.
func isTokenChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	switch c {
	case '!', '#', '$', '%', '&', '\'', '*', '+', '-', '.', '^', '_', '`', '|', '~':
		return true
	}
	return false
}

// isURIChar accepts visible ASCII, which is all a request-target may contain.
func isURIChar(c byte) bool {
	return c > ' ' && c < 0x7f
}

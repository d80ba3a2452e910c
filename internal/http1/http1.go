// Package http1 holds the small hand-rolled HTTP/1.x line parsers used by
// the proxy engine. The engine reads the wire itself instead of going
// through net/http so that it can intercept CONNECT tunnels mid-stream and
// keep header order under its own control.
package http1

import (
	"errors"
	"strconv"
	"strings"
)

var (
	ErrBadRequestLine = errors.New("http1: malformed request line")
	ErrBadStatusLine  = errors.New("http1: malformed status line")
	ErrBadVersion     = errors.New("http1: malformed HTTP version")
)

// RequestLine is the parsed first line of an HTTP/1.x request.
type RequestLine struct {
	Method string
	Target string
	Major  int
	Minor  int
}

// ParseVersion parses an "HTTP/x.y" token into its major.minor pair.
func ParseVersion(token string) (major, minor int, err error) {
	const prefix = "HTTP/"
	if !strings.HasPrefix(token, prefix) {
		return 0, 0, ErrBadVersion
	}
	dot := strings.IndexByte(token[len(prefix):], '.')
	if dot < 0 {
		return 0, 0, ErrBadVersion
	}
	dot += len(prefix)
	major, err = strconv.Atoi(token[len(prefix):dot])
	if err != nil {
		return 0, 0, ErrBadVersion
	}
	minor, err = strconv.Atoi(token[dot+1:])
	if err != nil {
		return 0, 0, ErrBadVersion
	}
	return major, minor, nil
}

// ParseRequestLine splits "METHOD TARGET HTTP/x.y" into its three tokens.
// Lines with fewer than three tokens are rejected.
func ParseRequestLine(line string) (RequestLine, error) {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return RequestLine{}, ErrBadRequestLine
	}
	major, minor, err := ParseVersion(fields[2])
	if err != nil {
		return RequestLine{}, err
	}
	return RequestLine{
		Method: fields[0],
		Target: fields[1],
		Major:  major,
		Minor:  minor,
	}, nil
}

// StatusLine is the parsed first line of an HTTP/1.x response.
type StatusLine struct {
	Major  int
	Minor  int
	Code   int
	Reason string
}

// ParseStatusLine splits "HTTP/x.y CODE REASON". The reason phrase may be
// empty and may contain spaces.
func ParseStatusLine(line string) (StatusLine, error) {
	proto, rest, ok := strings.Cut(line, " ")
	if !ok {
		return StatusLine{}, ErrBadStatusLine
	}
	major, minor, err := ParseVersion(proto)
	if err != nil {
		return StatusLine{}, err
	}
	codeStr, reason, _ := strings.Cut(rest, " ")
	code, err := strconv.Atoi(codeStr)
	if err != nil || code < 100 || code > 999 {
		return StatusLine{}, ErrBadStatusLine
	}
	return StatusLine{Major: major, Minor: minor, Code: code, Reason: reason}, nil
}

// CutHeaderLine splits a header line on the first ": " into name and value.
// Lines without the separator report ok=false.
func CutHeaderLine(line string) (name, value string, ok bool) {
	return strings.Cut(line, ": ")
}

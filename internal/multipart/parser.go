// Package multipart incrementally splits a multipart/x-mixed-replace byte
// stream into parts of declared length.
//
// It is deliberately not a MIME parser: there is no support for nested parts,
// form-data or transfer encodings. Each part must declare Content-Length.
package multipart

import (
	"bytes"
	"fmt"
	"mime"
	"net/textproto"
	"strconv"
	"strings"
)

const (
	// DefaultMaxFrameSize bounds a single part body. No plausible camera JPEG
	// comes close; anything larger is treated as a malformed header.
	DefaultMaxFrameSize = 8 << 20
	// DefaultMaxHeaderSize bounds a part header block.
	DefaultMaxHeaderSize = 16 << 10

	// bufferHeadroom is added to the frame limit to derive the buffer cap.
	bufferHeadroom = 1 << 20

	mixedReplace = "multipart/x-mixed-replace"
)

var (
	crlf     = []byte("\r\n")
	crlfcrlf = []byte("\r\n\r\n")
)

type state int

const (
	stateAwaitingBoundary state = iota
	stateReadingHeaders
	stateReadingBody
	stateDone
)

func (s state) String() string {
	switch s {
	case stateAwaitingBoundary:
		return "awaiting-boundary"
	case stateReadingHeaders:
		return "reading-headers"
	case stateReadingBody:
		return "reading-body"
	case stateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Part is one complete boundary-delimited unit.
type Part struct {
	Header textproto.MIMEHeader
	Body   []byte
}

// Options bounds parser memory. Zero values select the defaults.
type Options struct {
	MaxFrameSize  int
	MaxHeaderSize int
}

// Parser converts chunks of a multipart/x-mixed-replace body into parts.
//
// A Parser is not safe for concurrent use; chunks must be fed serially.
type Parser struct {
	opts Options

	buf       Buffer
	state     state
	remaining int
	header    textproto.MIMEHeader

	boundary string
	delim    []byte
	started  bool
	err      error
}

// NewParser returns a parser awaiting OnHeadersReceived.
func NewParser(opts Options) *Parser {
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = DefaultMaxFrameSize
	}
	if opts.MaxHeaderSize <= 0 {
		opts.MaxHeaderSize = DefaultMaxHeaderSize
	}
	return &Parser{opts: opts}
}

// OnHeadersReceived validates the response Content-Type and extracts the
// boundary token. It must be called once before Feed. On failure the parser
// refuses all further input.
func (p *Parser) OnHeadersReceived(contentType string) error {
	if p.err != nil {
		return p.err
	}
	token, err := ParseBoundary(contentType)
	if err != nil {
		p.fail(err)
		return err
	}
	p.boundary = token
	p.delim = []byte("--" + token)
	p.started = true
	p.state = stateAwaitingBoundary
	return nil
}

// ParseBoundary returns the boundary token of a multipart/x-mixed-replace
// content type.
func ParseBoundary(contentType string) (string, error) {
	ct := strings.TrimSpace(contentType)
	if !strings.HasPrefix(strings.ToLower(ct), mixedReplace) {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedContentType, contentType)
	}

	if _, params, err := mime.ParseMediaType(ct); err == nil {
		if b := params["boundary"]; b != "" {
			return b, nil
		}
	}

	// Embedded servers are sloppy with parameter syntax; fall back to a
	// lenient scan before giving up.
	for _, param := range strings.Split(ct, ";")[1:] {
		key, value, ok := strings.Cut(param, "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(key), "boundary") {
			continue
		}
		value = strings.Trim(strings.TrimSpace(value), `"`)
		if value != "" {
			return value, nil
		}
	}
	return "", fmt.Errorf("%w: no boundary parameter in %q", ErrUnsupportedContentType, contentType)
}

// Boundary returns the token extracted by OnHeadersReceived.
func (p *Parser) Boundary() string {
	return p.boundary
}

// Buffered returns the number of bytes held but not yet consumed.
func (p *Parser) Buffered() int {
	return p.buf.Len()
}

// Feed appends chunk and extracts every part that is complete in the buffer.
//
// The returned error is ErrStreamEnded once the terminal boundary is parsed,
// or a wrapped ErrMalformedPartHeader / ErrBufferOverflow. Parts completed
// before the terminal condition are still returned. After any error the
// parser is closed and keeps returning that error.
func (p *Parser) Feed(chunk []byte) ([]Part, error) {
	if p.err != nil {
		return nil, p.err
	}
	if !p.started {
		return nil, ErrNotStarted
	}

	p.buf.Append(chunk)

	var parts []Part
	for {
		progressed, part, err := p.step()
		if part != nil {
			parts = append(parts, *part)
		}
		if err != nil {
			p.fail(err)
			return parts, err
		}
		if !progressed {
			break
		}
	}

	if limit := p.opts.MaxFrameSize + bufferHeadroom; p.buf.Len() > limit {
		err := fmt.Errorf("%w: %d bytes buffered in state %s, limit %d",
			ErrBufferOverflow, p.buf.Len(), p.state, limit)
		p.fail(err)
		return parts, err
	}
	return parts, nil
}

// Reset returns the parser to its initial state, forgetting the boundary.
func (p *Parser) Reset() {
	p.buf.Reset()
	p.state = stateAwaitingBoundary
	p.remaining = 0
	p.header = nil
	p.boundary = ""
	p.delim = nil
	p.started = false
	p.err = nil
}

func (p *Parser) fail(err error) {
	p.err = err
	p.state = stateDone
	p.header = nil
	p.buf.Reset()
}

// step advances the state machine once. progressed reports whether another
// step may make further progress with the bytes already buffered.
func (p *Parser) step() (progressed bool, part *Part, err error) {
	switch p.state {
	case stateAwaitingBoundary:
		return p.stepBoundary()
	case stateReadingHeaders:
		return p.stepHeaders()
	case stateReadingBody:
		return p.stepBody()
	default:
		return false, nil, nil
	}
}

func (p *Parser) stepBoundary() (bool, *Part, error) {
	i := p.buf.Index(p.delim)
	if i < 0 {
		// Preamble or inter-part padding: keep only a possible delimiter prefix.
		p.buf.Retain(len(p.delim) - 1)
		return false, nil, nil
	}
	if i > 0 {
		p.buf.DiscardThrough(i - 1)
	}

	data := p.buf.Bytes()
	after := len(p.delim)
	if len(data) < after+2 {
		return false, nil, nil
	}
	if data[after] == '-' && data[after+1] == '-' {
		p.buf.Reset()
		return false, nil, ErrStreamEnded
	}

	nl := bytes.IndexByte(data[after:], '\n')
	if nl < 0 {
		if len(data)-after > p.opts.MaxHeaderSize {
			return false, nil, fmt.Errorf("%w: boundary line exceeds %d bytes", ErrMalformedPartHeader, p.opts.MaxHeaderSize)
		}
		return false, nil, nil
	}
	p.buf.DiscardThrough(after + nl)
	p.state = stateReadingHeaders
	return true, nil, nil
}

func (p *Parser) stepHeaders() (bool, *Part, error) {
	data := p.buf.Bytes()
	if len(data) < len(crlf) {
		return false, nil, nil
	}

	// A blank line straight after the boundary is an empty header block.
	block, consumed := []byte(nil), len(crlf)
	if !bytes.HasPrefix(data, crlf) {
		end := p.buf.Index(crlfcrlf)
		if end < 0 {
			if p.buf.Len() > p.opts.MaxHeaderSize {
				return false, nil, fmt.Errorf("%w: header block exceeds %d bytes", ErrMalformedPartHeader, p.opts.MaxHeaderSize)
			}
			return false, nil, nil
		}
		block, consumed = data[:end], end+len(crlfcrlf)
	}

	header, err := parseHeaderBlock(block)
	if err != nil {
		return false, nil, err
	}
	p.buf.DiscardThrough(consumed - 1)
	n, err := contentLength(header, p.opts.MaxFrameSize)
	if err != nil {
		return false, nil, err
	}

	p.header = header
	p.remaining = n
	p.state = stateReadingBody
	return true, nil, nil
}

func (p *Parser) stepBody() (bool, *Part, error) {
	if p.buf.Len() < p.remaining {
		return false, nil, nil
	}
	body, err := p.buf.Take(p.remaining)
	if err != nil {
		return false, nil, err
	}
	part := &Part{Header: p.header, Body: body}
	p.header = nil
	p.remaining = 0
	// The CRLF trailing the body is skipped by the boundary search.
	p.state = stateAwaitingBoundary
	return true, part, nil
}

func parseHeaderBlock(block []byte) (textproto.MIMEHeader, error) {
	header := make(textproto.MIMEHeader)
	for _, line := range strings.Split(string(block), "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("%w: invalid header line %q", ErrMalformedPartHeader, line)
		}
		header.Add(name, strings.TrimSpace(value))
	}
	return header, nil
}

func contentLength(header textproto.MIMEHeader, limit int) (int, error) {
	raw := header.Get("Content-Length")
	if raw == "" {
		return 0, fmt.Errorf("%w: missing Content-Length", ErrMalformedPartHeader)
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: invalid Content-Length %q", ErrMalformedPartHeader, raw)
	}
	if n > limit {
		return 0, fmt.Errorf("%w: Content-Length %d exceeds max frame size %d", ErrMalformedPartHeader, n, limit)
	}
	return n, nil
}

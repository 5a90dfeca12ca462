package multipart

import "errors"

var (
	// ErrUnsupportedContentType means the response is not multipart/x-mixed-replace
	// or carries no boundary parameter.
	ErrUnsupportedContentType = errors.New("multipart: unsupported content type")
	// ErrMalformedPartHeader means a part header block is unparsable or its
	// Content-Length is missing, invalid or above the frame size limit.
	ErrMalformedPartHeader = errors.New("multipart: malformed part header")
	// ErrInsufficientData is internal to the parser: wait for more bytes.
	ErrInsufficientData = errors.New("multipart: insufficient data")
	// ErrBufferOverflow means buffered bytes exceeded the configured cap.
	ErrBufferOverflow = errors.New("multipart: buffer overflow")
	// ErrStreamEnded is returned once the terminal boundary has been parsed.
	ErrStreamEnded = errors.New("multipart: stream ended")
	// ErrNotStarted is returned by Feed before a successful OnHeadersReceived.
	ErrNotStarted = errors.New("multipart: headers not received")
)

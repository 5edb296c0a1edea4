package sip

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
)

// The whitespace characters recognised by the Augmented Backus-Naur Form syntax
// that SIP uses (RFC 3261 S.25).
const abnf = " \t"

// The maximum permissible CSeq number in a SIP message (2**31 - 1).
// C.f. RFC 3261 S. 8.1.1.5.
const maxCseq = 2147483647

var (
	ErrParseLineNoCRLF     = errors.New("line has no CRLF")
	ErrParseInvalidMessage = errors.New("invalid SIP message")

	// Stream parse errors
	ErrParseSipPartial         = errors.New("SIP partial data")
	ErrParseReadBodyIncomplete = errors.New("reading body incomplete")
	ErrParseMoreMessages       = errors.New("stream has more message")

	// ErrMessageTooLarge is returned by ParserStream when a message's total
	// size exceeds Parser.MaxMessageLength, guarding against a peer holding a
	// connection open while trickling an unbounded start-line/header section.
	ErrMessageTooLarge = errors.New("sip: message exceeds maximum length")

	// errParseNoMoreHeaders is the internal sentinel parseNextHeader returns
	// once it reaches the blank line terminating the header section.
	errParseNoMoreHeaders = errors.New("sip: no more headers")
)

// DefaultMaxMessageLength bounds a single message read off a stream
// transport (TCP/TLS/WS) when no explicit limit is configured.
const DefaultMaxMessageLength = 65536

// ParseError is returned by the parser for malformed input. Reply carries a
// pre-rendered 400-class response the caller may send back as-is when Replyable
// is true (e.g. a bad Request-URI); when false the input could not even be
// attributed to a request/response well enough to reply (e.g. a garbled start
// line), and the caller should simply drop the datagram or close the stream.
type ParseError struct {
	Reason    string
	Replyable bool
	Reply     []byte
}

func (e *ParseError) Error() string { return e.Reason }

func newParseError(reason string) *ParseError {
	return &ParseError{Reason: reason}
}

// newReplyableParseError attaches a canned response so a transport reading
// loop can answer a malformed request without constructing a Transaction.
func newReplyableParseError(reason string, req *Request, code StatusCode, text string) *ParseError {
	pe := &ParseError{Reason: reason, Replyable: true}
	if req == nil {
		return pe
	}
	resp := NewResponseFromRequest(req, int(code), text, nil)
	var buf bytes.Buffer
	resp.StringWrite(&buf)
	pe.Reply = buf.Bytes()
	return pe
}

var bufReader = sync.Pool{
	New: func() interface{} {
		// The Pool's New function should generally only return pointer
		// types, since a pointer can be put into the return interface
		// value without an allocation:
		return new(bytes.Buffer)
	},
}

func ParseMessage(msgData []byte) (Message, error) {
	parser := NewParser()
	return parser.ParseSIP(msgData)
}

// Parser turns raw bytes into a Message. It is optimized for the common
// header set; callers needing a smaller or extended set of recognized
// headers can supply their own via WithHeadersParsers.
type Parser struct {
	log *slog.Logger
	// headersParsers maps lowercase header names to parse functions. A
	// smaller map means faster parsing for traffic that only uses a subset.
	headersParsers HeadersParser
	trace          bool
	// MaxMessageLength bounds the total bytes ParserStream will accumulate
	// for a single message before giving up with ErrMessageTooLarge.
	MaxMessageLength int
}

// ParserOption configures a Parser.
type ParserOption func(p *Parser)

// NewParser builds a Parser using the default header set.
func NewParser(options ...ParserOption) *Parser {
	p := &Parser{
		log:              DefaultLogger(),
		headersParsers:   headersParsers,
		MaxMessageLength: DefaultMaxMessageLength,
	}

	for _, o := range options {
		o(p)
	}

	return p
}

// WithParserLogger overrides the logger a Parser reports skipped/malformed
// headers to.
func WithParserLogger(logger *slog.Logger) ParserOption {
	return func(p *Parser) {
		p.log = logger
	}
}

// WithParserTrace turns on Debug-level read tracing of every parsed message,
// mirroring the package's logSIPRead/logSIPWrite hook.
func WithParserTrace(trace bool) ParserOption {
	return func(p *Parser) {
		p.trace = trace
	}
}

// WithParserMaxMessageLength overrides the per-message size cap applied by
// ParserStream (see Parser.MaxMessageLength).
func WithParserMaxMessageLength(n int) ParserOption {
	return func(p *Parser) {
		p.MaxMessageLength = n
	}
}

// WithHeadersParsers overrides which headers get typed parsing. Anything not
// in the map falls back to GenericHeader. Consider performance before adding
// a custom parser for a header that won't appear on most messages.
//
// Check DefaultHeadersParser as starting point.
func WithHeadersParsers(m map[string]HeaderParser) ParserOption {
	return func(p *Parser) {
		p.headersParsers = m
	}
}

// ParseSIP converts data to a sip message. data must contain one full message.
func (p *Parser) ParseSIP(data []byte) (msg Message, err error) {
	reader := bufReader.Get().(*bytes.Buffer)
	defer bufReader.Put(reader)
	reader.Reset()
	reader.Write(data)

	startLine, err := nextLine(reader)
	if err != nil {
		return nil, err
	}

	msg, err = ParseLine(startLine)
	if err != nil {
		return nil, newParseError(err.Error())
	}

	for {
		line, err := nextLine(reader)

		if err != nil {
			if err == io.EOF {
				return nil, ErrParseInvalidMessage
			}
			return nil, err
		}

		if len(line) == 0 {
			// We've hit the end of the header section.
			break
		}

		parsed, err := p.headersParsers.ParseHeader(nil, []byte(line))
		if err != nil {
			p.log.Debug("skip header due to parse error", "line", line, "error", err)
			continue
		}
		for _, h := range parsed {
			msg.AppendHeader(h)
		}
	}

	if err := validateStructuralHeaders(msg); err != nil {
		return nil, err
	}

	contentLength := getBodyLength(data)

	if contentLength <= 0 {
		if p.trace {
			p.log.Debug("sip read", "msg", msg.Short())
		}
		return msg, nil
	}

	body := make([]byte, contentLength)
	total, err := reader.Read(body)
	if err != nil {
		return nil, fmt.Errorf("read message body failed: %w", err)
	}
	// RFC 3261 - 18.3.
	if total != contentLength {
		return nil, fmt.Errorf(
			"incomplete message body: read %d bytes, expected %d bytes",
			len(body),
			contentLength,
		)
	}

	if len(body) > 0 {
		msg.SetBody(body)
	}
	if p.trace {
		p.log.Debug("sip read", "msg", msg.Short())
	}
	return msg, nil
}

// validateStructuralHeaders enforces RFC 3261 §7.3/§20's singleton
// constraints (exactly one From/To/Call-ID/CSeq, at least one Via) and,
// for a request, that the CSeq header's method matches the request
// line's method (RFC 3261 §8.1.1.5: "The method parameter in the CSeq
// header field MUST match the method of the request").
func validateStructuralHeaders(msg Message) error {
	if len(msg.GetHeaders("Via")) < 1 {
		return newParseError("sip: message has no Via header")
	}
	if len(msg.GetHeaders("From")) != 1 {
		return newParseError("sip: message must have exactly one From header")
	}
	if len(msg.GetHeaders("To")) != 1 {
		return newParseError("sip: message must have exactly one To header")
	}
	if len(msg.GetHeaders("Call-ID")) != 1 {
		return newParseError("sip: message must have exactly one Call-ID header")
	}
	cseqs := msg.GetHeaders("CSeq")
	if len(cseqs) != 1 {
		return newParseError("sip: message must have exactly one CSeq header")
	}

	req, ok := msg.(*Request)
	if !ok {
		return nil
	}
	cseq, ok := cseqs[0].(*CSeqHeader)
	if !ok {
		return nil
	}
	if cseq.MethodName != req.Method {
		return newReplyableParseError(
			fmt.Sprintf("sip: CSeq method %q does not match request method %q", cseq.MethodName, req.Method),
			req, StatusBadRequest, "Invalid CSeq",
		)
	}
	return nil
}

// parseStartLine skips any leading empty lines (CRLF keep-alives), then
// reads the next CRLF-terminated line off data and turns it into a bare
// Request/Response (no headers/body yet). It returns io.ErrUnexpectedEOF
// when data doesn't yet hold a full line, so callers accumulating a
// stream know to wait for more bytes; the count it returns then covers
// the CRLFs already skipped.
func (p *Parser) parseStartLine(data []byte, withCRLF bool) (Message, int, error) {
	skipped := 0
	for bytes.HasPrefix(data[skipped:], []byte("\r\n")) {
		skipped += 2
	}
	idx := bytes.Index(data[skipped:], []byte("\r\n"))
	if idx == -1 {
		return nil, skipped, io.ErrUnexpectedEOF
	}

	consumed := skipped + idx
	if withCRLF {
		consumed += 2
	}

	msg, err := ParseLine(string(data[skipped : skipped+idx]))
	if err != nil {
		return nil, consumed, newParseError(err.Error())
	}
	return msg, consumed, nil
}

// parseNextHeader reads one CRLF-terminated header line off data and parses
// it into out. Reaching the blank line that terminates the header section
// reports errParseNoMoreHeaders. Like parseStartLine, it returns
// io.ErrUnexpectedEOF when data doesn't yet hold a full line.
func (p *Parser) parseNextHeader(out []Header, data []byte) ([]Header, int, error) {
	idx := bytes.Index(data, []byte("\r\n"))
	if idx == -1 {
		return out, 0, io.ErrUnexpectedEOF
	}

	consumed := idx + 2
	if idx == 0 {
		return out, consumed, errParseNoMoreHeaders
	}

	out, err := p.headersParsers.ParseHeader(out, data[:idx])
	if err != nil {
		return out, consumed, err
	}
	return out, consumed, nil
}

// NewSIPStream builds a ParserStream, one per connection.
func (p *Parser) NewSIPStream() *ParserStream {
	return &ParserStream{p: p}
}

func ParseLine(startLine string) (msg Message, err error) {
	if isRequest(startLine) {
		recipient := Uri{}
		method, sipVersion, err := ParseRequestLine(startLine, &recipient)
		if err != nil {
			return nil, err
		}

		m := NewRequest(method, recipient)
		m.SipVersion = sipVersion
		return m, nil
	}

	if isResponse(startLine) {
		sipVersion, statusCode, reason, err := ParseStatusLine(startLine)
		if err != nil {
			return nil, err
		}

		m := NewResponse(int(statusCode), reason)
		m.SipVersion = sipVersion
		return m, nil
	}
	return nil, fmt.Errorf("transmission beginning '%s' is not a SIP message", startLine)
}

// nextLine reads a line and strips its trailing CRLF.
//
// https://datatracker.ietf.org/doc/html/rfc3261#section-7
// The start-line, each message-header line, and the empty line MUST be
// terminated by a carriage-return line-feed sequence (CRLF). Note that
// the empty line MUST be present even if the message-body is not.
func nextLine(reader *bytes.Buffer) (line string, err error) {
	line, err = reader.ReadString('\n')
	if err != nil {
		// We may get io.EOF and line till it was read
		return line, err
	}

	lenline := len(line)
	if lenline < 2 {
		return line, ErrParseLineNoCRLF
	}

	if line[lenline-2] != '\r' {
		return line, ErrParseLineNoCRLF
	}

	line = line[:lenline-2]
	return line, nil
}

// getBodyLength returns the size of a SIP message body given the whole
// message bytes, measuring from the first byte after the double CRLF.
func getBodyLength(data []byte) int {
	idx := bytes.Index(data, []byte("\r\n\r\n"))
	if idx == -1 {
		return -1
	}

	bodyStart := idx + 4

	return len(data) - bodyStart
}

// isRequest is a heuristic: any RFC 3261-compliant request passes, but it
// doesn't guarantee invalid messages are rejected.
func isRequest(startLine string) bool {
	// SIP request lines contain precisely two spaces.
	ind := strings.IndexRune(startLine, ' ')
	if ind <= 0 {
		return false
	}

	ind1 := strings.IndexRune(startLine[ind+1:], ' ')
	if ind1 <= 0 {
		return false
	}

	part2 := startLine[ind+1+ind1+1:]
	ind2 := strings.IndexRune(part2, ' ')
	if ind2 >= 0 {
		return false
	}

	if len(part2) < 3 {
		return false
	}

	return UriIsSIP(part2[:3])
}

// isResponse is a heuristic counterpart to isRequest.
func isResponse(startLine string) bool {
	ind := strings.IndexRune(startLine, ' ')
	if ind <= 0 {
		return false
	}

	ind1 := strings.IndexRune(startLine[ind+1:], ' ')
	if ind1 <= 0 {
		return false
	}

	return UriIsSIP(startLine[:3])
}

// ParseRequestLine parses the first line of a SIP request, e.g:
//
//	INVITE bob@example.com SIP/2.0
//	REGISTER jane@telco.com SIP/1.0
func ParseRequestLine(requestLine string, recipient *Uri) (
	method RequestMethod, sipVersion string, err error) {
	parts := strings.Split(requestLine, " ")
	if len(parts) != 3 {
		err = fmt.Errorf("request line should have 2 spaces: '%s'", requestLine)
		return
	}

	// Method tokens are case-sensitive (RFC 3261 §7.1): REGISTER and
	// register name different things on the wire, so the token is kept
	// exactly as received rather than normalized.
	method = RequestMethod(parts[0])
	err = ParseUri(parts[1], recipient)
	sipVersion = parts[2]

	if recipient.Wildcard {
		err = fmt.Errorf("wildcard URI '*' not permitted in request line: '%s'", requestLine)
		return
	}

	return
}

// ParseStatusLine parses the first line of a SIP response, e.g:
//
//	SIP/2.0 200 OK
//	SIP/1.0 403 Forbidden
func ParseStatusLine(statusLine string) (
	sipVersion string, statusCode StatusCode, reasonPhrase string, err error) {
	parts := strings.Split(statusLine, " ")
	if len(parts) < 3 {
		err = fmt.Errorf("status line has too few spaces: '%s'", statusLine)
		return
	}

	sipVersion = parts[0]
	statusCodeRaw, err := strconv.ParseUint(parts[1], 10, 16)
	statusCode = StatusCode(statusCodeRaw)
	reasonPhrase = strings.Join(parts[2:], " ")

	return
}

// Package csvparse implements an incremental, callback-driven parser for
// delimited text. It knows nothing about storage or tenancy.
package csvparse

import (
	"errors"
	"strconv"

	"tenant-ingest/internal/domain"
)

// Options configures the parser dialect and behaviour. The zero value parses
// comma-separated text with double quotes and a header row.
type Options struct {
	Separator byte // default ','
	Quote     byte // default '"'
	Escape    byte // default Quote; a different value escapes a following Quote
	// Newline overrides auto-detection. Zero means detect LF, CRLF or CR from
	// the first record.
	Newline byte
	// Comment skips records whose first byte matches. Zero disables.
	Comment byte

	// Headers, when set, names the columns and the first record is data.
	Headers []string
	// NoHeader names columns by position ("0", "1", ...).
	NoHeader bool
	// MapHeaders renames a header. Returning "" drops the column.
	MapHeaders func(header string, index int) string
	// MapValues rewrites a cell value.
	MapValues func(header string, index int, value string) string

	// MaxRowBytes bounds the size of a record, excluding its terminator.
	// Zero means unlimited.
	MaxRowBytes int
	// SkipUntilLine consumes data lines up to and including this line number
	// without emitting them.
	SkipUntilLine int64
	// Strict reports a cell-count mismatch against the header as a
	// StructuralError.
	Strict bool
}

func (o Options) withDefaults() Options {
	if o.Separator == 0 {
		o.Separator = ','
	}
	if o.Quote == 0 {
		o.Quote = '"'
	}
	if o.Escape == 0 {
		o.Escape = o.Quote
	}
	return o
}

// Handler receives parser events. Returning an error stops the parser and
// the error is returned from Write or Close.
type Handler interface {
	OnHeaders(headers []string) error
	OnRow(row domain.Row) error
	OnRowError(failure domain.ParseFailure) error
}

// Callbacks adapts plain functions to Handler. Nil fields are ignored.
type Callbacks struct {
	Headers  func(headers []string) error
	Row      func(row domain.Row) error
	RowError func(failure domain.ParseFailure) error
}

// OnHeaders implements Handler.
func (c Callbacks) OnHeaders(headers []string) error {
	if c.Headers == nil {
		return nil
	}
	return c.Headers(headers)
}

// OnRow implements Handler.
func (c Callbacks) OnRow(row domain.Row) error {
	if c.Row == nil {
		return nil
	}
	return c.Row(row)
}

// OnRowError implements Handler.
func (c Callbacks) OnRowError(failure domain.ParseFailure) error {
	if c.RowError == nil {
		return nil
	}
	return c.RowError(failure)
}

var _ Handler = Callbacks{}

// ErrClosed is returned by Write after Close.
var ErrClosed = errors.New("csvparse: parser closed")

// state is everything the tokenizer carries from one chunk to the next.
type state struct {
	offset   int64 // absolute offset of the next input byte
	recStart int64 // absolute offset of the current record
	rowLen   int   // bytes consumed by the current record, excluding terminator
	buf      []byte

	quoted    bool
	escaped   bool
	oversized bool
	lastCR    bool
	pendingCR bool // a CR seen before the newline style is known

	newline byte // 0 until detected

	line       int64 // data lines consumed
	headerDone bool
	announced  bool
	headers    []string
	rawHeaders int

	closed bool
	err    error
}

// Parser is a stateful tokenizer. It is not safe for concurrent use.
type Parser struct {
	opts Options
	h    Handler
	st   state
}

// New creates a parser that reports to h.
func New(opts Options, h Handler) *Parser {
	opts = opts.withDefaults()
	p := &Parser{opts: opts, h: h}
	p.st.newline = opts.Newline
	if opts.NoHeader || opts.Headers != nil {
		p.st.headerDone = true
		p.st.headers = p.mapHeaders(opts.Headers)
		p.st.rawHeaders = len(opts.Headers)
	}
	return p
}

// Line returns the number of data lines consumed so far.
func (p *Parser) Line() int64 { return p.st.line }

// Offset returns the number of bytes consumed so far.
func (p *Parser) Offset() int64 { return p.st.offset }

// Write feeds a chunk of input. It implements io.Writer.
func (p *Parser) Write(chunk []byte) (int, error) {
	if p.st.err != nil {
		return 0, p.st.err
	}
	if p.st.closed {
		return 0, ErrClosed
	}
	n, err := p.feed(&p.st, chunk)
	if err != nil {
		p.st.err = err
	}
	return n, err
}

// Close flushes a buffered final record that lacks a trailing newline.
func (p *Parser) Close() error {
	if p.st.err != nil {
		return p.st.err
	}
	if p.st.closed {
		return nil
	}
	p.st.closed = true
	st := &p.st
	if st.pendingCR {
		st.pendingCR = false
		st.newline = '\r'
	}
	if st.rowLen > 0 {
		if err := p.endRecord(st, st.offset); err != nil {
			st.err = err
			return err
		}
	}
	if err := p.announce(st); err != nil {
		st.err = err
		return err
	}
	return nil
}

func (p *Parser) feed(st *state, chunk []byte) (int, error) {
	quote, escape := p.opts.Quote, p.opts.Escape
	for i, c := range chunk {
		pos := st.offset
		st.offset++

		if st.pendingCR {
			st.pendingCR = false
			if c == '\n' {
				st.newline = '\n'
			} else {
				// The CR seen before this byte was a lone-CR terminator.
				st.newline = '\r'
				if err := p.endRecord(st, pos); err != nil {
					return i, err
				}
			}
		}

		if st.escaped {
			st.escaped = false
			if c == quote {
				p.addByte(st, c)
				continue
			}
		}
		if escape != quote && c == escape {
			st.escaped = true
			p.addByte(st, c)
			continue
		}
		if c == quote {
			st.quoted = !st.quoted
			p.addByte(st, c)
			continue
		}

		if !st.quoted {
			switch {
			case st.newline == 0 && c == '\n':
				st.newline = '\n'
				if err := p.endRecord(st, pos+1); err != nil {
					return i + 1, err
				}
				continue
			case st.newline == 0 && c == '\r':
				st.pendingCR = true
				p.addByte(st, c)
				continue
			case st.newline != 0 && c == st.newline:
				if err := p.endRecord(st, pos+1); err != nil {
					return i + 1, err
				}
				continue
			}
		}
		p.addByte(st, c)
	}
	return len(chunk), nil
}

// skipping reports whether the record being read will be consumed silently.
func (p *Parser) skipping(st *state) bool {
	return st.headerDone && st.line < p.opts.SkipUntilLine
}

func (p *Parser) addByte(st *state, c byte) {
	st.rowLen++
	st.lastCR = c == '\r'
	if p.skipping(st) {
		return
	}
	// One extra byte is allowed for a CR that is trimmed at the terminator.
	if limit := p.opts.MaxRowBytes; limit > 0 && st.rowLen > limit+1 {
		if !st.oversized {
			st.oversized = true
			st.buf = st.buf[:0]
		}
		return
	}
	if !st.oversized {
		st.buf = append(st.buf, c)
	}
}

// endRecord finishes the record that ends at the absolute offset end.
func (p *Parser) endRecord(st *state, end int64) error {
	content := st.buf
	contentLen := st.rowLen
	if st.lastCR && p.opts.Newline == 0 {
		contentLen--
		if len(content) > 0 {
			content = content[:len(content)-1]
		}
	}
	oversized := st.oversized || (p.opts.MaxRowBytes > 0 && contentLen > p.opts.MaxRowBytes)
	start := st.recStart
	skipped := p.skipping(st)

	st.recStart = end
	st.rowLen = 0
	st.buf = st.buf[:0]
	st.quoted = false
	st.escaped = false
	st.oversized = false
	st.lastCR = false

	if !st.headerDone {
		if contentLen == 0 || p.isComment(content) {
			return nil
		}
		if oversized {
			return domain.ErrStructural(0, "header row exceeds %d bytes", p.opts.MaxRowBytes)
		}
		cells := p.splitCells(content)
		st.headers = p.mapHeaders(cells)
		st.rawHeaders = len(cells)
		st.headerDone = true
		return p.announce(st)
	}

	st.line++
	if skipped {
		return nil
	}
	if err := p.announce(st); err != nil {
		return err
	}
	if oversized {
		return p.h.OnRowError(domain.ParseFailure{Line: st.line, Start: start, End: end})
	}
	if contentLen == 0 || p.isComment(content) {
		return nil
	}

	cells := p.splitCells(content)
	if p.opts.Strict && !p.opts.NoHeader && len(cells) != st.rawHeaders {
		return domain.ErrStructural(st.line, "row has %d cells, header has %d", len(cells), st.rawHeaders)
	}
	return p.h.OnRow(p.buildRow(st, cells))
}

func (p *Parser) announce(st *state) error {
	if st.announced || !st.headerDone || p.opts.NoHeader {
		return nil
	}
	st.announced = true
	out := make([]string, 0, len(st.headers))
	for _, h := range st.headers {
		if h != "" {
			out = append(out, h)
		}
	}
	return p.h.OnHeaders(out)
}

func (p *Parser) isComment(content []byte) bool {
	return p.opts.Comment != 0 && len(content) > 0 && content[0] == p.opts.Comment
}

func (p *Parser) mapHeaders(names []string) []string {
	if names == nil {
		return nil
	}
	out := make([]string, len(names))
	for i, n := range names {
		if p.opts.MapHeaders != nil {
			n = p.opts.MapHeaders(n, i)
		}
		out[i] = n
	}
	return out
}

func (p *Parser) buildRow(st *state, cells []string) domain.Row {
	row := domain.Row{Line: st.line, Fields: make([]domain.Field, 0, len(cells))}
	for i, cell := range cells {
		var name string
		switch {
		case p.opts.NoHeader:
			name = strconv.Itoa(i)
		case i < len(st.headers):
			name = st.headers[i]
			if name == "" {
				continue
			}
		default:
			name = "_" + strconv.Itoa(i)
		}
		if p.opts.MapValues != nil {
			cell = p.opts.MapValues(name, i, cell)
		}
		row.Fields = append(row.Fields, domain.Field{Name: name, Value: cell})
	}
	return row
}

// splitCells splits one complete record into unquoted cell values.
func (p *Parser) splitCells(rec []byte) []string {
	sep, quote, escape := p.opts.Separator, p.opts.Quote, p.opts.Escape
	cells := make([]string, 0, 8)
	field := make([]byte, 0, len(rec))
	inQuotes := false
	for i := 0; i < len(rec); i++ {
		c := rec[i]
		if escape != quote && c == escape && i+1 < len(rec) && rec[i+1] == quote {
			field = append(field, quote)
			i++
			continue
		}
		if c == quote {
			if inQuotes && escape == quote && i+1 < len(rec) && rec[i+1] == quote {
				field = append(field, quote)
				i++
				continue
			}
			inQuotes = !inQuotes
			continue
		}
		if c == sep && !inQuotes {
			cells = append(cells, string(field))
			field = field[:0]
			continue
		}
		field = append(field, c)
	}
	return append(cells, string(field))
}

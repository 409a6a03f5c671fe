// Package read implements a streaming S-expression reader: bytes in, one
// value.Value out per call, peeking and advancing over an arbitrary byte
// stream one rune at a time. The stream is wrapped in a bufio.Reader, so
// the underlying io.Reader may be read ahead of the form returned.
package read

import (
	"bufio"
	"io"
	"strconv"
	"strings"
	"unicode"

	"github.com/jcorbin/yalp/gc"
	"github.com/jcorbin/yalp/symbol"
	"github.com/jcorbin/yalp/value"
)

// Interner is the subset of *symbol.Manager the reader needs.
type Interner interface {
	Intern(name string) symbol.ID
}

// Reader parses one value per call to Read. A Reader is not safe for
// concurrent use; it holds the #n=/#n# label scope for a single top-level
// read.
type Reader struct {
	src  *bufio.Reader
	name string
	sym  Interner
	heap *gc.Heap

	labels map[int]*labelSlot
}

type labelSlot struct {
	placeholder *value.Object // TagCell placeholder, patched once the body is read
	resolved    value.Value
	done        bool
}

// New creates a Reader over src. name is used only in Error.Pos.
func New(src io.Reader, name string, sym Interner, heap *gc.Heap) *Reader {
	return &Reader{src: bufio.NewReader(src), name: name, sym: sym, heap: heap}
}

func (r *Reader) cons(car, cdr value.Value) value.Value {
	c := value.NewCell(car, cdr)
	r.heap.Track(c)
	return value.FromObject(c)
}

func (r *Reader) errf(code Code) error { return Error{Code: code, Pos: r.name} }

// Read parses and returns exactly one value, or an error code on failure.
// Each call establishes a fresh #n=/#n# label scope.
func (r *Reader) Read() (value.Value, error) {
	r.labels = nil
	return r.readValue(true)
}

func (r *Reader) peek() (rune, error) {
	ru, _, err := r.src.ReadRune()
	if err != nil {
		return 0, err
	}
	r.src.UnreadRune()
	return ru, nil
}

func (r *Reader) next() (rune, error) {
	ru, _, err := r.src.ReadRune()
	return ru, err
}

func (r *Reader) skipSpaceAndComments() error {
	for {
		ru, err := r.peek()
		if err != nil {
			return err
		}
		switch {
		case ru == ' ' || ru == '\t' || ru == '\n' || ru == '\r':
			r.next()
		case ru == ';':
			for {
				c, err := r.next()
				if err != nil || c == '\n' {
					break
				}
			}
		default:
			return nil
		}
	}
}

const delimiters = "()\"'`, \t\n\r;"

func isDelimiter(r rune) bool {
	return strings.ContainsRune(delimiters, r) || unicode.IsControl(r)
}

func isSymbolChar(r rune) bool {
	if isDelimiter(r) {
		return false
	}
	return unicode.IsLetter(r) || unicode.IsDigit(r) || strings.ContainsRune("+-*/!?=<>:&$%_.", r)
}

func (r *Reader) readValue(atBase bool) (value.Value, error) {
	if err := r.skipSpaceAndComments(); err != nil {
		if err == io.EOF {
			return value.Nil, r.errf(EndOfFile)
		}
		return value.Nil, err
	}

	ru, err := r.peek()
	if err != nil {
		return value.Nil, r.errf(EndOfFile)
	}

	switch {
	case ru == '(':
		r.next()
		return r.readList()
	case ru == ')':
		return value.Nil, r.errf(ExtraCloseParen)
	case ru == '"':
		r.next()
		return r.readString()
	case ru == '\'':
		r.next()
		return r.readWrapped("quote")
	case ru == '`':
		r.next()
		return r.readWrapped("quasiquote")
	case ru == ',':
		r.next()
		ru2, _ := r.peek()
		if ru2 == '@' {
			r.next()
			return r.readWrapped("unquote-splicing")
		}
		return r.readWrapped("unquote")
	case ru == '#':
		r.next()
		return r.readHash(atBase)
	default:
		return r.readAtom(atBase)
	}
}

func (r *Reader) readWrapped(sym string) (value.Value, error) {
	inner, err := r.readValue(false)
	if err != nil {
		return value.Nil, err
	}
	return r.cons(value.Symbol(uint(r.sym.Intern(sym))), r.cons(inner, value.Nil)), nil
}

// readList parses the body of a "(" already consumed. It supports dotted
// pairs: a "." before the final item makes that item the cdr directly
// rather than consing a fresh pair onto it. A "." may not stand in the
// first (head) position of a list — "(. 1)" is ILLEGAL_CHAR, matching the
// reader's grammar that a dot only ever terminates a non-empty list.
func (r *Reader) readList() (value.Value, error) { return r.readListTail(true) }

func (r *Reader) readListTail(first bool) (value.Value, error) {
	if err := r.skipSpaceAndComments(); err != nil {
		return value.Nil, r.errf(NoCloseParen)
	}
	ru, err := r.peek()
	if err != nil {
		return value.Nil, r.errf(NoCloseParen)
	}
	if ru == ')' {
		r.next()
		return value.Nil, nil
	}

	// a lone "." here (followed by a delimiter) begins the dotted tail,
	// but only once at least one element has already been read
	if ru == '.' && r.dotIsBareToken() {
		if first {
			return value.Nil, r.errf(IllegalChar)
		}
		r.next() // consume the "."
		tail, err := r.readValue(false)
		if err != nil {
			return value.Nil, err
		}
		if err := r.skipSpaceAndComments(); err != nil {
			return value.Nil, r.errf(NoCloseParen)
		}
		close, err := r.next()
		if err != nil || close != ')' {
			return value.Nil, r.errf(NoCloseParen)
		}
		return tail, nil
	}

	head, err := r.readValue(false)
	if err != nil {
		return value.Nil, err
	}
	rest, err := r.readListTail(false)
	if err != nil {
		return value.Nil, err
	}
	return r.cons(head, rest), nil
}

// dotIsBareToken reports whether the "." about to be read stands alone
// (the dotted-pair marker) rather than beginning a symbol or number like
// ".5" or "...". It uses bufio.Reader.Peek for two-byte lookahead so no
// runes are actually consumed.
func (r *Reader) dotIsBareToken() bool {
	b, err := r.src.Peek(2)
	if err != nil {
		// only "." left in the stream: treat as bare
		return len(b) == 1 && b[0] == '.'
	}
	return isDelimiter(rune(b[1]))
}

func (r *Reader) readToken() (string, error) {
	var sb strings.Builder
	for {
		ru, err := r.peek()
		if err != nil || isDelimiter(ru) {
			break
		}
		if !isSymbolChar(ru) {
			return "", r.errf(IllegalChar)
		}
		r.next()
		sb.WriteRune(ru)
	}
	if sb.Len() == 0 {
		return "", r.errf(IllegalChar)
	}
	return sb.String(), nil
}

func (r *Reader) readAtom(atBase bool) (value.Value, error) {
	token, err := r.readToken()
	if err != nil {
		return value.Nil, err
	}
	if token == "." {
		if atBase {
			return value.Nil, r.errf(DotAtBase)
		}
		return value.Nil, r.errf(IllegalChar)
	}
	if v, ok := parseNumber(token); ok {
		if v.IsObject() {
			r.heap.Track(v.Object())
		}
		return v, nil
	}
	return value.Symbol(uint(r.sym.Intern(token))), nil
}

// parseNumber implements the integer/flonum literal grammar: a flonum
// literal requires at least one digit on both sides of the decimal point
// ("1." and ".5" are read as symbols, not numbers), otherwise the token is
// read as a symbol.
func parseNumber(token string) (value.Value, bool) {
	if token == "" {
		return value.Nil, false
	}
	neg := false
	body := token
	if body[0] == '-' || body[0] == '+' {
		neg = body[0] == '-'
		body = body[1:]
	}
	if body == "" {
		return value.Nil, false
	}

	dot := strings.IndexByte(body, '.')
	hasExp := strings.ContainsAny(body, "eE")
	if dot < 0 && !hasExp {
		if !allDigits(body) {
			return value.Nil, false
		}
		n, err := strconv.ParseInt(token, 10, 64)
		if err != nil || !value.InFixnumRange(n) {
			return value.Nil, false
		}
		return value.Fixnum(n), true
	}

	if dot >= 0 {
		intPart, fracPart := body[:dot], body[dot+1:]
		expIdx := strings.IndexAny(fracPart, "eE")
		if expIdx >= 0 {
			fracPart = fracPart[:expIdx]
		}
		if intPart == "" || fracPart == "" || !allDigits(intPart) || !allDigits(fracPart) {
			return value.Nil, false
		}
	} else if hasExp {
		expIdx := strings.IndexAny(body, "eE")
		if !allDigits(body[:expIdx]) {
			return value.Nil, false
		}
	}

	f, err := strconv.ParseFloat(body, 64)
	if err != nil {
		return value.Nil, false
	}
	if neg {
		f = -f
	}
	return value.FromObject(value.NewFlonum(f)), true
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func (r *Reader) readString() (value.Value, error) {
	var b strings.Builder
	for {
		ru, err := r.next()
		if err != nil {
			return value.Nil, r.errf(NoCloseString)
		}
		if ru == '"' {
			break
		}
		if ru == '\\' {
			esc, err := r.next()
			if err != nil {
				return value.Nil, r.errf(NoCloseString)
			}
			switch esc {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case 'r':
				b.WriteByte('\r')
			case '0':
				b.WriteByte(0)
			case '"':
				b.WriteByte('"')
			case '\\':
				b.WriteByte('\\')
			default:
				b.WriteRune(esc)
			}
			continue
		}
		b.WriteRune(ru)
	}
	s := value.NewString([]byte(b.String()))
	r.heap.Track(s)
	return value.FromObject(s), nil
}

var charNames = map[string]rune{
	"space":   ' ',
	"tab":     '\t',
	"nl":      '\n',
	"newline": '\n',
	"return":  '\r',
}

func (r *Reader) readHash(atBase bool) (value.Value, error) {
	ru, err := r.peek()
	if err != nil {
		return value.Nil, r.errf(IllegalChar)
	}

	if ru == '\\' {
		r.next()
		return r.readChar()
	}
	if unicode.IsDigit(ru) {
		return r.readLabel()
	}
	return value.Nil, r.errf(IllegalChar)
}

func (r *Reader) readChar() (value.Value, error) {
	first, err := r.next()
	if err != nil {
		return value.Nil, r.errf(IllegalChar)
	}
	if !unicode.IsLetter(first) {
		return value.Fixnum(int64(first)), nil
	}
	// might be a multi-character name like "space"; peek ahead
	var sb strings.Builder
	sb.WriteRune(first)
	for {
		ru, err := r.peek()
		if err != nil || isDelimiter(ru) {
			break
		}
		r.next()
		sb.WriteRune(ru)
	}
	name := sb.String()
	if len([]rune(name)) == 1 {
		return value.Fixnum(int64(first)), nil
	}
	if code, ok := charNames[strings.ToLower(name)]; ok {
		return value.Fixnum(int64(code)), nil
	}
	return value.Fixnum(int64(first)), nil
}

func (r *Reader) readLabel() (value.Value, error) {
	var digits strings.Builder
	for {
		ru, err := r.peek()
		if err != nil || !unicode.IsDigit(ru) {
			break
		}
		r.next()
		digits.WriteRune(ru)
	}
	n, _ := strconv.Atoi(digits.String())

	marker, err := r.next()
	if err != nil {
		return value.Nil, r.errf(IllegalChar)
	}
	switch marker {
	case '=':
		if r.labels == nil {
			r.labels = map[int]*labelSlot{}
		}
		placeholder := value.NewCell(value.Nil, value.Nil)
		r.heap.Track(placeholder)
		slot := &labelSlot{placeholder: placeholder}
		r.labels[n] = slot

		body, err := r.readValue(false)
		if err != nil {
			return value.Nil, err
		}
		slot.resolved = body
		slot.done = true
		if body.IsObject() && body.Object().Tag == value.TagCell {
			*placeholder.Cell() = *body.Object().Cell()
			return value.FromObject(placeholder), nil
		}
		return body, nil
	case '#':
		slot, ok := r.labels[n]
		if !ok {
			return value.Nil, r.errf(IllegalChar)
		}
		if slot.done && slot.resolved.IsObject() && slot.resolved.Object().Tag == value.TagCell {
			return value.FromObject(slot.placeholder), nil
		}
		if slot.done {
			return slot.resolved, nil
		}
		return value.FromObject(slot.placeholder), nil
	default:
		return value.Nil, r.errf(IllegalChar)
	}
}

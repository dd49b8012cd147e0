package generic

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
)

// Parse errors.
var (
	ErrUnexpectedEOF     = errors.New("unexpected end of data")
	ErrInvalidObject     = errors.New("invalid PDF object")
	ErrInvalidDictionary = errors.New("invalid PDF dictionary")
	ErrInvalidString     = errors.New("invalid PDF string")
	ErrInvalidNumber     = errors.New("invalid PDF number")
	ErrInvalidStream     = errors.New("invalid PDF stream")
)

// maxDepth bounds nesting of arrays and dictionaries.
const maxDepth = 256

// Parser reads PDF objects from a byte slice.
type Parser struct {
	data  []byte
	pos   int
	depth int

	// StreamLength resolves an indirect /Length entry. When nil, or when it
	// cannot resolve the reference, the parser searches for "endstream".
	StreamLength func(ref Reference) (int64, bool)
}

// NewParser creates a parser positioned at the start of data.
func NewParser(data []byte) *Parser {
	return &Parser{data: data}
}

// Pos returns the current offset.
func (p *Parser) Pos() int { return p.pos }

// Seek moves to an absolute offset.
func (p *Parser) Seek(pos int) { p.pos = pos }

func isWhitespace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r' || b == 0 || b == '\f'
}

func isDelimiter(b byte) bool {
	switch b {
	case '(', ')', '<', '>', '[', ']', '{', '}', '/', '%':
		return true
	}
	return false
}

// SkipWhitespace skips whitespace and comments.
func (p *Parser) SkipWhitespace() {
	for p.pos < len(p.data) {
		c := p.data[p.pos]
		switch {
		case isWhitespace(c):
			p.pos++
		case c == '%':
			for p.pos < len(p.data) && p.data[p.pos] != '\n' && p.data[p.pos] != '\r' {
				p.pos++
			}
		default:
			return
		}
	}
}

// ReadKeyword reads a bare token such as "obj", "endobj" or "trailer".
func (p *Parser) ReadKeyword() string {
	p.SkipWhitespace()
	start := p.pos
	for p.pos < len(p.data) && !isWhitespace(p.data[p.pos]) && !isDelimiter(p.data[p.pos]) {
		p.pos++
	}
	return string(p.data[start:p.pos])
}

// ParseObject parses the next object. "n g R" sequences are returned as
// a Reference.
func (p *Parser) ParseObject() (PdfObject, error) {
	p.SkipWhitespace()
	if p.pos >= len(p.data) {
		return nil, ErrUnexpectedEOF
	}

	c := p.data[p.pos]
	switch {
	case c == '/':
		return p.parseName()
	case c == '(':
		return p.parseLiteralString()
	case c == '<':
		if p.pos+1 < len(p.data) && p.data[p.pos+1] == '<' {
			return p.parseDictionary()
		}
		return p.parseHexString()
	case c == '[':
		return p.parseArray()
	case c == '+' || c == '-' || c == '.' || (c >= '0' && c <= '9'):
		return p.parseNumberOrReference()
	}

	start := p.pos
	switch word := p.ReadKeyword(); word {
	case "true":
		return BooleanObject(true), nil
	case "false":
		return BooleanObject(false), nil
	case "null":
		return NullObject{}, nil
	default:
		return nil, fmt.Errorf("%w: unexpected token %q at offset %d", ErrInvalidObject, word, start)
	}
}

func (p *Parser) readNumberToken() (string, bool) {
	start := p.pos
	for p.pos < len(p.data) {
		c := p.data[p.pos]
		if (c >= '0' && c <= '9') || c == '.' || c == '-' || c == '+' {
			p.pos++
			continue
		}
		break
	}
	tok := string(p.data[start:p.pos])
	return tok, tok != ""
}

func parseNumber(tok string) (PdfObject, error) {
	if i, err := strconv.ParseInt(tok, 10, 64); err == nil {
		return IntegerObject(i), nil
	}
	f, err := strconv.ParseFloat(tok, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidNumber, tok)
	}
	return RealObject(f), nil
}

func (p *Parser) parseNumberOrReference() (PdfObject, error) {
	tok, _ := p.readNumberToken()
	first, err := parseNumber(tok)
	if err != nil {
		return nil, err
	}
	objNum, ok := first.(IntegerObject)
	if !ok || objNum < 0 {
		return first, nil
	}

	// Look ahead for "g R" without consuming on mismatch.
	save := p.pos
	p.SkipWhitespace()
	genTok, ok := p.readNumberToken()
	if !ok {
		p.pos = save
		return first, nil
	}
	gen, err := strconv.Atoi(genTok)
	if err != nil || gen < 0 {
		p.pos = save
		return first, nil
	}
	p.SkipWhitespace()
	if p.pos < len(p.data) && p.data[p.pos] == 'R' &&
		(p.pos+1 == len(p.data) || isWhitespace(p.data[p.pos+1]) || isDelimiter(p.data[p.pos+1])) {
		p.pos++
		return Reference{ObjectNumber: int(objNum), GenerationNumber: gen}, nil
	}
	p.pos = save
	return first, nil
}

func (p *Parser) parseName() (NameObject, error) {
	p.pos++ // '/'
	var buf bytes.Buffer
	for p.pos < len(p.data) {
		c := p.data[p.pos]
		if isWhitespace(c) || isDelimiter(c) {
			break
		}
		if c == '#' && p.pos+2 < len(p.data) {
			if v, err := strconv.ParseUint(string(p.data[p.pos+1:p.pos+3]), 16, 8); err == nil {
				buf.WriteByte(byte(v))
				p.pos += 3
				continue
			}
		}
		buf.WriteByte(c)
		p.pos++
	}
	return NameObject(buf.String()), nil
}

func (p *Parser) parseLiteralString() (*StringObject, error) {
	p.pos++ // '('
	var buf bytes.Buffer
	depth := 1
	for p.pos < len(p.data) {
		c := p.data[p.pos]
		p.pos++
		switch c {
		case '(':
			depth++
			buf.WriteByte(c)
		case ')':
			depth--
			if depth == 0 {
				return &StringObject{Value: buf.Bytes()}, nil
			}
			buf.WriteByte(c)
		case '\\':
			if p.pos >= len(p.data) {
				return nil, fmt.Errorf("%w: dangling escape", ErrInvalidString)
			}
			e := p.data[p.pos]
			p.pos++
			switch e {
			case 'n':
				buf.WriteByte('\n')
			case 'r':
				buf.WriteByte('\r')
			case 't':
				buf.WriteByte('\t')
			case 'b':
				buf.WriteByte('\b')
			case 'f':
				buf.WriteByte('\f')
			case '\r':
				if p.pos < len(p.data) && p.data[p.pos] == '\n' {
					p.pos++
				}
			case '\n':
			default:
				if e >= '0' && e <= '7' {
					v := int(e - '0')
					for i := 0; i < 2 && p.pos < len(p.data) && p.data[p.pos] >= '0' && p.data[p.pos] <= '7'; i++ {
						v = v*8 + int(p.data[p.pos]-'0')
						p.pos++
					}
					buf.WriteByte(byte(v))
				} else {
					buf.WriteByte(e)
				}
			}
		default:
			buf.WriteByte(c)
		}
	}
	return nil, fmt.Errorf("%w: unterminated literal string", ErrInvalidString)
}

func (p *Parser) parseHexString() (*StringObject, error) {
	p.pos++ // '<'
	end := bytes.IndexByte(p.data[p.pos:], '>')
	if end < 0 {
		return nil, fmt.Errorf("%w: unterminated hex string", ErrInvalidString)
	}
	digits := make([]byte, 0, end)
	for _, c := range p.data[p.pos : p.pos+end] {
		if !isWhitespace(c) {
			digits = append(digits, c)
		}
	}
	p.pos += end + 1
	if len(digits)%2 == 1 {
		digits = append(digits, '0')
	}
	value := make([]byte, len(digits)/2)
	if _, err := hex.Decode(value, digits); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidString, err)
	}
	return &StringObject{Value: value, IsHex: true}, nil
}

func (p *Parser) enter() error {
	p.depth++
	if p.depth > maxDepth {
		return fmt.Errorf("%w: nesting too deep", ErrInvalidObject)
	}
	return nil
}

func (p *Parser) parseArray() (ArrayObject, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer func() { p.depth-- }()

	p.pos++ // '['
	arr := ArrayObject{}
	for {
		p.SkipWhitespace()
		if p.pos >= len(p.data) {
			return nil, fmt.Errorf("%w: unterminated array", ErrInvalidObject)
		}
		if p.data[p.pos] == ']' {
			p.pos++
			return arr, nil
		}
		item, err := p.ParseObject()
		if err != nil {
			return nil, err
		}
		arr = append(arr, item)
	}
}

func (p *Parser) parseDictionary() (*DictionaryObject, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer func() { p.depth-- }()

	p.pos += 2 // "<<"
	dict := NewDictionary()
	for {
		p.SkipWhitespace()
		if p.pos >= len(p.data) {
			return nil, fmt.Errorf("%w: unterminated dictionary", ErrInvalidDictionary)
		}
		if p.data[p.pos] == '>' {
			if p.pos+1 < len(p.data) && p.data[p.pos+1] == '>' {
				p.pos += 2
				return dict, nil
			}
			return nil, fmt.Errorf("%w: expected '>>' at offset %d", ErrInvalidDictionary, p.pos)
		}
		if p.data[p.pos] != '/' {
			return nil, fmt.Errorf("%w: key is not a name at offset %d", ErrInvalidDictionary, p.pos)
		}
		key, err := p.parseName()
		if err != nil {
			return nil, err
		}
		value, err := p.ParseObject()
		if err != nil {
			return nil, fmt.Errorf("%w: value for /%s: %v", ErrInvalidDictionary, key, err)
		}
		dict.Set(string(key), value)
	}
}

// ParseIndirectObject parses "n g obj <object> [stream ... endstream] endobj"
// at the current position.
func (p *Parser) ParseIndirectObject() (*IndirectObject, error) {
	p.SkipWhitespace()
	numTok, ok := p.readNumberToken()
	if !ok {
		return nil, fmt.Errorf("%w: missing object number at offset %d", ErrInvalidObject, p.pos)
	}
	objNum, err := strconv.Atoi(numTok)
	if err != nil {
		return nil, fmt.Errorf("%w: object number %q", ErrInvalidObject, numTok)
	}
	p.SkipWhitespace()
	genTok, _ := p.readNumberToken()
	gen, err := strconv.Atoi(genTok)
	if err != nil {
		return nil, fmt.Errorf("%w: generation number %q", ErrInvalidObject, genTok)
	}
	if kw := p.ReadKeyword(); kw != "obj" {
		return nil, fmt.Errorf("%w: expected 'obj', got %q", ErrInvalidObject, kw)
	}

	obj, err := p.ParseObject()
	if err != nil {
		return nil, err
	}

	if dict, ok := obj.(*DictionaryObject); ok {
		save := p.pos
		if p.ReadKeyword() == "stream" {
			data, err := p.readStreamData(dict)
			if err != nil {
				return nil, err
			}
			obj = &StreamObject{Dictionary: dict, Data: data}
		} else {
			p.pos = save
		}
	}

	save := p.pos
	if p.ReadKeyword() != "endobj" {
		// Tolerate a missing endobj.
		p.pos = save
	}
	return NewIndirectObject(objNum, gen, obj), nil
}

func (p *Parser) readStreamData(dict *DictionaryObject) ([]byte, error) {
	// The keyword is followed by CRLF or LF.
	if p.pos < len(p.data) && p.data[p.pos] == '\r' {
		p.pos++
	}
	if p.pos < len(p.data) && p.data[p.pos] == '\n' {
		p.pos++
	}
	start := p.pos

	length := int64(-1)
	switch l := dict.Get("Length").(type) {
	case IntegerObject:
		length = int64(l)
	case Reference:
		if p.StreamLength != nil {
			if v, ok := p.StreamLength(l); ok {
				length = v
			}
		}
	}

	if length >= 0 && start+int(length) <= len(p.data) {
		p.pos = start + int(length)
		save := p.pos
		if p.ReadKeyword() == "endstream" {
			return p.data[start : start+int(length)], nil
		}
		p.pos = save
	}

	// Fall back to scanning for the end marker.
	end := bytes.Index(p.data[start:], []byte("endstream"))
	if end < 0 {
		return nil, fmt.Errorf("%w: missing endstream", ErrInvalidStream)
	}
	data := p.data[start : start+end]
	data = bytes.TrimSuffix(data, []byte("\n"))
	data = bytes.TrimSuffix(data, []byte("\r"))
	p.pos = start + end + len("endstream")
	return data, nil
}

// Package generic provides the PDF object model used by the reader and the
// incremental writer.
package generic

import (
	"bytes"
	"fmt"
	"io"
	"strconv"

	"golang.org/x/text/encoding/unicode"
)

// PdfObject is implemented by every PDF value.
type PdfObject interface {
	// Write serializes the object in PDF syntax.
	Write(w io.Writer) error
	// Clone returns a deep copy.
	Clone() PdfObject
}

// Reference is an indirect reference ("12 0 R").
type Reference struct {
	ObjectNumber     int
	GenerationNumber int
}

// NewReference creates a new reference.
func NewReference(objNum, genNum int) Reference {
	return Reference{ObjectNumber: objNum, GenerationNumber: genNum}
}

func (r Reference) Write(w io.Writer) error {
	_, err := fmt.Fprintf(w, "%d %d R", r.ObjectNumber, r.GenerationNumber)
	return err
}

func (r Reference) Clone() PdfObject { return r }

func (r Reference) String() string {
	return fmt.Sprintf("%d %d R", r.ObjectNumber, r.GenerationNumber)
}

// IndirectObject is an object definition ("12 0 obj ... endobj").
type IndirectObject struct {
	ObjectNumber     int
	GenerationNumber int
	Object           PdfObject
}

// NewIndirectObject creates a new indirect object.
func NewIndirectObject(objNum, genNum int, obj PdfObject) *IndirectObject {
	return &IndirectObject{ObjectNumber: objNum, GenerationNumber: genNum, Object: obj}
}

func (i *IndirectObject) Write(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "%d %d obj\n", i.ObjectNumber, i.GenerationNumber); err != nil {
		return err
	}
	if i.Object != nil {
		if err := i.Object.Write(w); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "\nendobj\n")
	return err
}

func (i *IndirectObject) Clone() PdfObject {
	var obj PdfObject
	if i.Object != nil {
		obj = i.Object.Clone()
	}
	return &IndirectObject{ObjectNumber: i.ObjectNumber, GenerationNumber: i.GenerationNumber, Object: obj}
}

// Reference returns a reference to this object.
func (i *IndirectObject) Reference() Reference {
	return Reference{ObjectNumber: i.ObjectNumber, GenerationNumber: i.GenerationNumber}
}

// NullObject is the PDF null value.
type NullObject struct{}

func (NullObject) Write(w io.Writer) error {
	_, err := io.WriteString(w, "null")
	return err
}

func (n NullObject) Clone() PdfObject { return n }

// BooleanObject is a PDF boolean.
type BooleanObject bool

func (b BooleanObject) Write(w io.Writer) error {
	_, err := io.WriteString(w, strconv.FormatBool(bool(b)))
	return err
}

func (b BooleanObject) Clone() PdfObject { return b }

// IntegerObject is a PDF integer.
type IntegerObject int64

func (i IntegerObject) Write(w io.Writer) error {
	_, err := io.WriteString(w, strconv.FormatInt(int64(i), 10))
	return err
}

func (i IntegerObject) Clone() PdfObject { return i }

// RealObject is a PDF real number.
type RealObject float64

func (r RealObject) Write(w io.Writer) error {
	_, err := io.WriteString(w, strconv.FormatFloat(float64(r), 'f', -1, 64))
	return err
}

func (r RealObject) Clone() PdfObject { return r }

// NameObject is a PDF name, stored without the leading slash.
type NameObject string

func (n NameObject) Write(w io.Writer) error {
	var buf bytes.Buffer
	buf.WriteByte('/')
	for i := 0; i < len(n); i++ {
		c := n[i]
		if c < '!' || c > '~' || c == '#' || isDelimiter(c) {
			fmt.Fprintf(&buf, "#%02X", c)
			continue
		}
		buf.WriteByte(c)
	}
	_, err := w.Write(buf.Bytes())
	return err
}

func (n NameObject) Clone() PdfObject { return n }

func (n NameObject) String() string { return string(n) }

// StringObject is a PDF string. IsHex selects the <...> form on output.
type StringObject struct {
	Value []byte
	IsHex bool
}

// NewLiteralString creates a literal string from raw bytes.
func NewLiteralString(s string) *StringObject {
	return &StringObject{Value: []byte(s)}
}

// NewHexString creates a hex string.
func NewHexString(data []byte) *StringObject {
	return &StringObject{Value: data, IsHex: true}
}

var utf16BE = unicode.UTF16(unicode.BigEndian, unicode.UseBOM)

// NewTextString creates a PDF text string. ASCII text is stored as is,
// anything else as UTF-16BE with a byte order mark.
func NewTextString(s string) *StringObject {
	ascii := true
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			ascii = false
			break
		}
	}
	if ascii {
		return &StringObject{Value: []byte(s)}
	}
	encoded, err := utf16BE.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return &StringObject{Value: []byte(s)}
	}
	return &StringObject{Value: encoded}
}

// Text decodes the string as a PDF text string.
func (s *StringObject) Text() string {
	if len(s.Value) >= 2 && s.Value[0] == 0xFE && s.Value[1] == 0xFF {
		decoded, err := utf16BE.NewDecoder().Bytes(s.Value)
		if err == nil {
			return string(decoded)
		}
	}
	return string(s.Value)
}

func (s *StringObject) Write(w io.Writer) error {
	if s.IsHex {
		_, err := fmt.Fprintf(w, "<%X>", s.Value)
		return err
	}
	var buf bytes.Buffer
	buf.WriteByte('(')
	for _, b := range s.Value {
		switch b {
		case '\\', '(', ')':
			buf.WriteByte('\\')
			buf.WriteByte(b)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		default:
			if b < 32 || b > 126 {
				fmt.Fprintf(&buf, "\\%03o", b)
			} else {
				buf.WriteByte(b)
			}
		}
	}
	buf.WriteByte(')')
	_, err := w.Write(buf.Bytes())
	return err
}

func (s *StringObject) Clone() PdfObject {
	return &StringObject{Value: bytes.Clone(s.Value), IsHex: s.IsHex}
}

// ArrayObject is a PDF array.
type ArrayObject []PdfObject

func (a ArrayObject) Write(w io.Writer) error {
	if _, err := io.WriteString(w, "["); err != nil {
		return err
	}
	for i, item := range a {
		if i > 0 {
			if _, err := io.WriteString(w, " "); err != nil {
				return err
			}
		}
		if err := item.Write(w); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "]")
	return err
}

func (a ArrayObject) Clone() PdfObject {
	out := make(ArrayObject, len(a))
	for i, item := range a {
		out[i] = item.Clone()
	}
	return out
}

// DictionaryObject is a PDF dictionary that keeps insertion order on output.
type DictionaryObject struct {
	entries map[string]PdfObject
	order   []string
}

// NewDictionary creates an empty dictionary.
func NewDictionary() *DictionaryObject {
	return &DictionaryObject{entries: make(map[string]PdfObject)}
}

func (d *DictionaryObject) Write(w io.Writer) error {
	if _, err := io.WriteString(w, "<<"); err != nil {
		return err
	}
	for _, key := range d.order {
		if _, err := io.WriteString(w, "\n"); err != nil {
			return err
		}
		if err := NameObject(key).Write(w); err != nil {
			return err
		}
		if _, err := io.WriteString(w, " "); err != nil {
			return err
		}
		if err := d.entries[key].Write(w); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "\n>>")
	return err
}

func (d *DictionaryObject) Clone() PdfObject {
	out := NewDictionary()
	for _, key := range d.order {
		out.Set(key, d.entries[key].Clone())
	}
	return out
}

// Set adds or replaces an entry. New keys are appended to the output order.
func (d *DictionaryObject) Set(key string, value PdfObject) {
	if _, ok := d.entries[key]; !ok {
		d.order = append(d.order, key)
	}
	d.entries[key] = value
}

// Get returns the value for key, or nil.
func (d *DictionaryObject) Get(key string) PdfObject {
	return d.entries[key]
}

// Has reports whether key is present.
func (d *DictionaryObject) Has(key string) bool {
	_, ok := d.entries[key]
	return ok
}

// Delete removes key.
func (d *DictionaryObject) Delete(key string) {
	if _, ok := d.entries[key]; !ok {
		return
	}
	delete(d.entries, key)
	for i, k := range d.order {
		if k == key {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
}

// Keys returns the keys in output order.
func (d *DictionaryObject) Keys() []string {
	return d.order
}

// Len returns the number of entries.
func (d *DictionaryObject) Len() int {
	return len(d.entries)
}

// GetName returns a name value, or "" if absent or not a name.
func (d *DictionaryObject) GetName(key string) string {
	if n, ok := d.entries[key].(NameObject); ok {
		return string(n)
	}
	return ""
}

// GetInt returns an integer value.
func (d *DictionaryObject) GetInt(key string) (int64, bool) {
	i, ok := d.entries[key].(IntegerObject)
	return int64(i), ok
}

// GetArray returns a direct array value.
func (d *DictionaryObject) GetArray(key string) ArrayObject {
	a, _ := d.entries[key].(ArrayObject)
	return a
}

// GetDict returns a direct dictionary value.
func (d *DictionaryObject) GetDict(key string) *DictionaryObject {
	dict, _ := d.entries[key].(*DictionaryObject)
	return dict
}

// GetReference returns an indirect reference value.
func (d *DictionaryObject) GetReference(key string) (Reference, bool) {
	ref, ok := d.entries[key].(Reference)
	return ref, ok
}

// StreamObject is a stream: a dictionary plus raw (still filtered) data.
type StreamObject struct {
	Dictionary *DictionaryObject
	Data       []byte
}

// NewStream creates a stream with the given dictionary and raw data.
func NewStream(dict *DictionaryObject, data []byte) *StreamObject {
	if dict == nil {
		dict = NewDictionary()
	}
	return &StreamObject{Dictionary: dict, Data: data}
}

func (s *StreamObject) Write(w io.Writer) error {
	s.Dictionary.Set("Length", IntegerObject(len(s.Data)))
	if err := s.Dictionary.Write(w); err != nil {
		return err
	}
	if _, err := io.WriteString(w, "\nstream\n"); err != nil {
		return err
	}
	if _, err := w.Write(s.Data); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\nendstream")
	return err
}

func (s *StreamObject) Clone() PdfObject {
	return &StreamObject{
		Dictionary: s.Dictionary.Clone().(*DictionaryObject),
		Data:       bytes.Clone(s.Data),
	}
}

// Rectangle is a PDF rectangle given by its lower-left and upper-right corners.
type Rectangle struct {
	LLX, LLY float64
	URX, URY float64
}

// ToArray converts the rectangle to a PDF array.
func (r Rectangle) ToArray() ArrayObject {
	return ArrayObject{RealObject(r.LLX), RealObject(r.LLY), RealObject(r.URX), RealObject(r.URY)}
}

// TrailerDictionary is the document trailer.
type TrailerDictionary struct {
	*DictionaryObject
}

// Root returns the catalog reference.
func (t *TrailerDictionary) Root() (Reference, bool) {
	return t.GetReference("Root")
}

// Info returns the info dictionary reference.
func (t *TrailerDictionary) Info() (Reference, bool) {
	return t.GetReference("Info")
}

// Prev returns the byte offset of the previous cross-reference section.
func (t *TrailerDictionary) Prev() (int64, bool) {
	return t.GetInt("Prev")
}

package reader

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/georgepadayatti/pdfsign/pdf/generic"
)

// XRefType identifies how an object is stored.
type XRefType int

const (
	XRefFree XRefType = iota
	XRefStandard
	XRefInObjectStream
)

func (t XRefType) String() string {
	switch t {
	case XRefFree:
		return "free"
	case XRefStandard:
		return "standard"
	case XRefInObjectStream:
		return "objstream"
	default:
		return "unknown"
	}
}

// XRefEntry is one cross-reference entry.
type XRefEntry struct {
	Type       XRefType
	Offset     int64
	Generation int
	// For objects stored in an object stream.
	ObjectStreamRef int
	IndexInStream   int
}

// InUse reports whether the entry refers to a live object.
func (e *XRefEntry) InUse() bool {
	return e.Type != XRefFree
}

func (r *PdfFileReader) findAndParseXRef() error {
	startxrefPos := bytes.LastIndex(r.data, []byte("startxref"))
	if startxrefPos == -1 {
		return ErrNoXRef
	}

	offset, err := parseXRefOffset(r.data[startxrefPos+len("startxref"):])
	if err != nil {
		return err
	}
	return r.parseXRefChain(offset)
}

func parseXRefOffset(data []byte) (int64, error) {
	i := 0
	for i < len(data) && (data[i] == ' ' || data[i] == '\n' || data[i] == '\r' || data[i] == '\t') {
		i++
	}
	start := i
	for i < len(data) && data[i] >= '0' && data[i] <= '9' {
		i++
	}
	if start == i {
		return 0, fmt.Errorf("%w: missing xref offset", ErrInvalidXRef)
	}
	offset, err := strconv.ParseInt(string(data[start:i]), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid xref offset: %v", ErrInvalidXRef, err)
	}
	return offset, nil
}

// parseXRefChain walks the sections from the newest to the oldest. Entries
// from newer sections win.
func (r *PdfFileReader) parseXRefChain(offset int64) error {
	visited := make(map[int64]bool)

	for {
		if visited[offset] {
			return fmt.Errorf("%w: xref chain loops at offset %d", ErrInvalidXRef, offset)
		}
		visited[offset] = true
		if offset < 0 || offset >= int64(len(r.data)) {
			return fmt.Errorf("%w: xref offset %d out of bounds", ErrInvalidXRef, offset)
		}
		r.XRefOffsets = append(r.XRefOffsets, offset)

		pos := int(offset)
		for pos < len(r.data) && isSpace(r.data[pos]) {
			pos++
		}

		var trailer *generic.TrailerDictionary
		var err error
		if bytes.HasPrefix(r.data[pos:], []byte("xref")) {
			trailer, err = r.parseXRefTable(pos)
			if err == nil {
				// Hybrid files point at an xref stream from a classic trailer.
				if stm, ok := trailer.GetInt("XRefStm"); ok && !visited[stm] {
					visited[stm] = true
					if _, err := r.parseXRefStream(stm); err != nil {
						return err
					}
				}
			}
		} else {
			trailer, err = r.parseXRefStream(int64(pos))
			r.HasXRefStream = true
		}
		if err != nil {
			return err
		}

		if r.Trailer == nil {
			r.Trailer = trailer
		}
		prev, ok := trailer.Prev()
		if !ok {
			return nil
		}
		offset = prev
	}
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\r' || c == '\t' || c == '\f' || c == 0
}

func (r *PdfFileReader) addEntry(objNum int, entry *XRefEntry) {
	if _, exists := r.XRef[objNum]; !exists {
		r.XRef[objNum] = entry
	}
}

func (r *PdfFileReader) parseXRefTable(pos int) (*generic.TrailerDictionary, error) {
	p := generic.NewParser(r.data)
	p.Seek(pos + len("xref"))

	for {
		p.SkipWhitespace()
		if bytes.HasPrefix(r.data[p.Pos():], []byte("trailer")) {
			p.Seek(p.Pos() + len("trailer"))
			break
		}

		startObj, err := p.ParseObject()
		if err != nil {
			return nil, fmt.Errorf("%w: subsection header: %v", ErrInvalidXRef, err)
		}
		count, err := p.ParseObject()
		if err != nil {
			return nil, fmt.Errorf("%w: subsection header: %v", ErrInvalidXRef, err)
		}
		start, ok1 := startObj.(generic.IntegerObject)
		n, ok2 := count.(generic.IntegerObject)
		if !ok1 || !ok2 || start < 0 || n < 0 {
			return nil, fmt.Errorf("%w: malformed subsection header", ErrInvalidXRef)
		}

		for i := 0; i < int(n); i++ {
			p.SkipWhitespace()
			entry, err := parseXRefTableEntry(r.data, p.Pos())
			if err != nil {
				return nil, err
			}
			p.Seek(p.Pos() + 18)
			r.addEntry(int(start)+i, entry)
		}
	}

	obj, err := p.ParseObject()
	if err != nil {
		return nil, fmt.Errorf("%w: trailer: %v", ErrInvalidXRef, err)
	}
	dict, ok := obj.(*generic.DictionaryObject)
	if !ok {
		return nil, fmt.Errorf("%w: trailer must be a dictionary", ErrInvalidXRef)
	}
	return &generic.TrailerDictionary{DictionaryObject: dict}, nil
}

// parseXRefTableEntry parses "nnnnnnnnnn ggggg n". The trailing EOL is left
// to the caller.
func parseXRefTableEntry(data []byte, pos int) (*XRefEntry, error) {
	if pos+18 > len(data) {
		return nil, fmt.Errorf("%w: truncated xref entry", ErrInvalidXRef)
	}
	line := data[pos : pos+18]

	offset, err := strconv.ParseInt(string(line[:10]), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid offset: %v", ErrInvalidXRef, err)
	}
	gen, err := strconv.Atoi(string(line[11:16]))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid generation: %v", ErrInvalidXRef, err)
	}

	switch line[17] {
	case 'n':
		return &XRefEntry{Type: XRefStandard, Offset: offset, Generation: gen}, nil
	case 'f':
		return &XRefEntry{Type: XRefFree, Offset: offset, Generation: gen}, nil
	default:
		return nil, fmt.Errorf("%w: invalid entry status %q", ErrInvalidXRef, line[17])
	}
}

func (r *PdfFileReader) parseXRefStream(offset int64) (*generic.TrailerDictionary, error) {
	p := generic.NewParser(r.data)
	p.Seek(int(offset))
	indirect, err := p.ParseIndirectObject()
	if err != nil {
		return nil, fmt.Errorf("%w: xref stream: %v", ErrInvalidXRef, err)
	}
	stream, ok := indirect.Object.(*generic.StreamObject)
	if !ok || stream.Dictionary.GetName("Type") != "XRef" {
		return nil, fmt.Errorf("%w: expected an xref stream at offset %d", ErrInvalidXRef, offset)
	}
	dict := stream.Dictionary

	data, err := decodeStream(stream)
	if err != nil {
		return nil, fmt.Errorf("%w: xref stream: %v", ErrInvalidXRef, err)
	}

	wArray := dict.GetArray("W")
	if len(wArray) != 3 {
		return nil, fmt.Errorf("%w: invalid W array", ErrInvalidXRef)
	}
	var w [3]int
	for i, v := range wArray {
		iv, ok := v.(generic.IntegerObject)
		if !ok || iv < 0 || iv > 8 {
			return nil, fmt.Errorf("%w: invalid W array", ErrInvalidXRef)
		}
		w[i] = int(iv)
	}
	entrySize := w[0] + w[1] + w[2]
	if entrySize == 0 {
		return nil, fmt.Errorf("%w: zero entry size", ErrInvalidXRef)
	}

	var index []int
	if indexArray := dict.GetArray("Index"); indexArray != nil {
		for _, v := range indexArray {
			if iv, ok := v.(generic.IntegerObject); ok {
				index = append(index, int(iv))
			}
		}
	} else if size, ok := dict.GetInt("Size"); ok {
		index = []int{0, int(size)}
	}
	if len(index)%2 != 0 {
		return nil, fmt.Errorf("%w: odd Index array", ErrInvalidXRef)
	}

	pos := 0
	for i := 0; i < len(index); i += 2 {
		for j := 0; j < index[i+1]; j++ {
			if pos+entrySize > len(data) {
				return nil, fmt.Errorf("%w: xref stream data truncated", ErrInvalidXRef)
			}
			r.addEntry(index[i]+j, parseXRefStreamEntry(data[pos:pos+entrySize], w))
			pos += entrySize
		}
	}

	return &generic.TrailerDictionary{DictionaryObject: dict}, nil
}

func readXRefField(data []byte, offset, width int) int64 {
	var v int64
	for i := 0; i < width; i++ {
		v = v<<8 | int64(data[offset+i])
	}
	return v
}

func parseXRefStreamEntry(data []byte, w [3]int) *XRefEntry {
	typ := int64(1)
	if w[0] > 0 {
		typ = readXRefField(data, 0, w[0])
	}
	f2 := readXRefField(data, w[0], w[1])
	f3 := readXRefField(data, w[0]+w[1], w[2])

	switch typ {
	case 1:
		return &XRefEntry{Type: XRefStandard, Offset: f2, Generation: int(f3)}
	case 2:
		return &XRefEntry{Type: XRefInObjectStream, ObjectStreamRef: int(f2), IndexInStream: int(f3)}
	default:
		return &XRefEntry{Type: XRefFree, Offset: f2, Generation: int(f3)}
	}
}

// Package reader locates the structures of an existing PDF that an
// incremental update needs: the cross-reference chain, the trailer, the
// catalog, the page tree and the interactive form.
package reader

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"

	"github.com/georgepadayatti/pdfsign/pdf/filters"
	"github.com/georgepadayatti/pdfsign/pdf/generic"
)

// Common errors
var (
	ErrInvalidPDF     = errors.New("invalid PDF file")
	ErrNoXRef         = errors.New("no xref found")
	ErrObjectNotFound = errors.New("object not found")
	ErrInvalidXRef    = errors.New("invalid xref")
	ErrEncrypted      = errors.New("PDF is encrypted")
)

var headerRegex = regexp.MustCompile(`%PDF-(\d+\.\d+)`)

// Page is a leaf of the page tree together with its reference.
type Page struct {
	Ref  generic.Reference
	Dict *generic.DictionaryObject
}

// PdfFileReader holds a parsed view of a PDF file. The underlying bytes are
// never modified.
type PdfFileReader struct {
	data    []byte
	Version string
	Trailer *generic.TrailerDictionary
	XRef    map[int]*XRefEntry
	objects map[int]generic.PdfObject

	Root    *generic.DictionaryObject
	RootRef generic.Reference
	Info    *generic.DictionaryObject
	Pages   []Page

	// AcroForm is the interactive form dictionary. AcroFormRef is nil when
	// the form is stored inline in the catalog.
	AcroForm    *generic.DictionaryObject
	AcroFormRef *generic.Reference

	// XRefOffsets lists the xref section offsets, newest first.
	XRefOffsets   []int64
	HasXRefStream bool
	Encrypted     bool
}

// NewPdfFileReader reads all of r and parses it.
func NewPdfFileReader(r io.Reader) (*PdfFileReader, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read PDF data: %w", err)
	}
	return NewPdfFileReaderFromBytes(data)
}

// NewPdfFileReaderFromBytes parses data. The slice is retained, not copied.
func NewPdfFileReaderFromBytes(data []byte) (*PdfFileReader, error) {
	r := &PdfFileReader{
		data:    data,
		XRef:    make(map[int]*XRefEntry),
		objects: make(map[int]generic.PdfObject),
	}
	if err := r.parse(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *PdfFileReader) parse() error {
	if err := r.parseHeader(); err != nil {
		return err
	}
	if err := r.findAndParseXRef(); err != nil {
		return err
	}
	r.Encrypted = r.Trailer.Has("Encrypt")
	return r.loadDocumentStructure()
}

func (r *PdfFileReader) parseHeader() error {
	if len(r.data) < 8 {
		return fmt.Errorf("%w: file too short", ErrInvalidPDF)
	}
	m := headerRegex.FindSubmatch(r.data[:min(1024, len(r.data))])
	if m == nil {
		return fmt.Errorf("%w: missing PDF header", ErrInvalidPDF)
	}
	r.Version = string(m[1])
	return nil
}

func (r *PdfFileReader) loadDocumentStructure() error {
	rootRef, ok := r.Trailer.Root()
	if !ok {
		return fmt.Errorf("%w: trailer has no Root", ErrInvalidPDF)
	}
	root, err := r.GetDict(rootRef)
	if err != nil {
		return fmt.Errorf("%w: catalog: %v", ErrInvalidPDF, err)
	}
	r.Root = root
	r.RootRef = rootRef

	if infoRef, ok := r.Trailer.Info(); ok {
		if info, err := r.GetDict(infoRef); err == nil {
			r.Info = info
		}
	}

	if err := r.loadPages(); err != nil {
		return err
	}

	switch af := root.Get("AcroForm").(type) {
	case generic.Reference:
		if dict, err := r.GetDict(af); err == nil {
			r.AcroForm = dict
			r.AcroFormRef = &af
		}
	case *generic.DictionaryObject:
		r.AcroForm = af
	}
	return nil
}

func (r *PdfFileReader) loadPages() error {
	pagesRef, ok := r.Root.GetReference("Pages")
	if !ok {
		return fmt.Errorf("%w: catalog has no Pages reference", ErrInvalidPDF)
	}
	visited := make(map[int]bool)
	if err := r.loadPageTree(pagesRef, visited); err != nil {
		return err
	}
	if len(r.Pages) == 0 {
		return fmt.Errorf("%w: document has no pages", ErrInvalidPDF)
	}
	return nil
}

func (r *PdfFileReader) loadPageTree(ref generic.Reference, visited map[int]bool) error {
	if visited[ref.ObjectNumber] {
		return fmt.Errorf("%w: page tree cycle at %s", ErrInvalidPDF, ref)
	}
	visited[ref.ObjectNumber] = true

	node, err := r.GetDict(ref)
	if err != nil {
		return fmt.Errorf("%w: page tree node %s: %v", ErrInvalidPDF, ref, err)
	}
	if node.GetName("Type") == "Page" {
		r.Pages = append(r.Pages, Page{Ref: ref, Dict: node})
		return nil
	}

	for _, kid := range node.GetArray("Kids") {
		kidRef, ok := kid.(generic.Reference)
		if !ok {
			return fmt.Errorf("%w: page tree kid is not a reference", ErrInvalidPDF)
		}
		if err := r.loadPageTree(kidRef, visited); err != nil {
			return err
		}
	}
	return nil
}

// GetObject returns the object with the given number, loading and caching
// it on first use.
func (r *PdfFileReader) GetObject(objNum int) (generic.PdfObject, error) {
	if obj, ok := r.objects[objNum]; ok {
		return obj, nil
	}
	entry, ok := r.XRef[objNum]
	if !ok || !entry.InUse() {
		return nil, fmt.Errorf("%w: object %d", ErrObjectNotFound, objNum)
	}

	var obj generic.PdfObject
	var err error
	if entry.Type == XRefInObjectStream {
		obj, err = r.getObjectFromStream(entry.ObjectStreamRef, entry.IndexInStream)
	} else {
		obj, err = r.getObjectAtOffset(objNum, entry.Offset)
	}
	if err != nil {
		return nil, err
	}
	r.objects[objNum] = obj
	return obj, nil
}

// GetDict resolves ref and requires a dictionary.
func (r *PdfFileReader) GetDict(ref generic.Reference) (*generic.DictionaryObject, error) {
	obj, err := r.GetObject(ref.ObjectNumber)
	if err != nil {
		return nil, err
	}
	dict, ok := obj.(*generic.DictionaryObject)
	if !ok {
		return nil, fmt.Errorf("%w: object %s is %T, not a dictionary", ErrInvalidPDF, ref, obj)
	}
	return dict, nil
}

// Resolve follows a reference. Direct objects are returned as is.
func (r *PdfFileReader) Resolve(obj generic.PdfObject) (generic.PdfObject, error) {
	if ref, ok := obj.(generic.Reference); ok {
		return r.GetObject(ref.ObjectNumber)
	}
	return obj, nil
}

func (r *PdfFileReader) getObjectAtOffset(objNum int, offset int64) (generic.PdfObject, error) {
	if offset < 0 || offset >= int64(len(r.data)) {
		return nil, fmt.Errorf("%w: object %d offset %d out of bounds", ErrObjectNotFound, objNum, offset)
	}
	p := generic.NewParser(r.data)
	p.Seek(int(offset))
	p.StreamLength = r.resolveLength
	indirect, err := p.ParseIndirectObject()
	if err != nil {
		return nil, fmt.Errorf("object %d: %w", objNum, err)
	}
	if indirect.ObjectNumber != objNum {
		return nil, fmt.Errorf("%w: xref offset for object %d points at object %d",
			ErrInvalidXRef, objNum, indirect.ObjectNumber)
	}
	return indirect.Object, nil
}

func (r *PdfFileReader) resolveLength(ref generic.Reference) (int64, bool) {
	obj, err := r.GetObject(ref.ObjectNumber)
	if err != nil {
		return 0, false
	}
	n, ok := obj.(generic.IntegerObject)
	return int64(n), ok
}

func (r *PdfFileReader) getObjectFromStream(streamObjNum, index int) (generic.PdfObject, error) {
	obj, err := r.GetObject(streamObjNum)
	if err != nil {
		return nil, err
	}
	stream, ok := obj.(*generic.StreamObject)
	if !ok {
		return nil, fmt.Errorf("%w: object stream %d is not a stream", ErrInvalidPDF, streamObjNum)
	}
	data, err := decodeStream(stream)
	if err != nil {
		return nil, fmt.Errorf("object stream %d: %w", streamObjNum, err)
	}

	n, _ := stream.Dictionary.GetInt("N")
	first, _ := stream.Dictionary.GetInt("First")
	if index < 0 || int64(index) >= n || first < 0 || first > int64(len(data)) {
		return nil, fmt.Errorf("%w: index %d in object stream %d", ErrObjectNotFound, index, streamObjNum)
	}

	p := generic.NewParser(data[:first])
	var offset int64 = -1
	for i := 0; i <= index; i++ {
		if _, err := p.ParseObject(); err != nil {
			return nil, fmt.Errorf("object stream %d header: %w", streamObjNum, err)
		}
		off, err := p.ParseObject()
		if err != nil {
			return nil, fmt.Errorf("object stream %d header: %w", streamObjNum, err)
		}
		if i == index {
			o, ok := off.(generic.IntegerObject)
			if !ok {
				return nil, fmt.Errorf("%w: object stream %d header", ErrInvalidPDF, streamObjNum)
			}
			offset = int64(o)
		}
	}
	if offset < 0 || first+offset >= int64(len(data)) {
		return nil, fmt.Errorf("%w: offset in object stream %d", ErrObjectNotFound, streamObjNum)
	}

	p = generic.NewParser(data)
	p.Seek(int(first + offset))
	return p.ParseObject()
}

func decodeStream(stream *generic.StreamObject) ([]byte, error) {
	var names []string
	switch f := stream.Dictionary.Get("Filter").(type) {
	case generic.NameObject:
		names = []string{string(f)}
	case generic.ArrayObject:
		for _, item := range f {
			if name, ok := item.(generic.NameObject); ok {
				names = append(names, string(name))
			}
		}
	}
	if len(names) == 0 {
		return stream.Data, nil
	}

	var params []*filters.Params
	switch dp := stream.Dictionary.Get("DecodeParms").(type) {
	case *generic.DictionaryObject:
		params = append(params, toParams(dp))
	case generic.ArrayObject:
		for _, item := range dp {
			d, _ := item.(*generic.DictionaryObject)
			params = append(params, toParams(d))
		}
	}
	return filters.DecodeStream(stream.Data, names, params)
}

func toParams(dict *generic.DictionaryObject) *filters.Params {
	if dict == nil {
		return nil
	}
	get := func(key string) int {
		v, _ := dict.GetInt(key)
		return int(v)
	}
	return &filters.Params{
		Predictor:        get("Predictor"),
		Colors:           get("Colors"),
		BitsPerComponent: get("BitsPerComponent"),
		Columns:          get("Columns"),
	}
}

// Data returns the raw file bytes.
func (r *PdfFileReader) Data() []byte {
	return r.data
}

// StartXRef returns the offset of the newest xref section.
func (r *PdfFileReader) StartXRef() int64 {
	return r.XRefOffsets[0]
}

// Size returns the trailer /Size, raised if the xref holds higher object
// numbers than declared.
func (r *PdfFileReader) Size() int {
	size, _ := r.Trailer.GetInt("Size")
	for objNum := range r.XRef {
		if int64(objNum) >= size {
			size = int64(objNum) + 1
		}
	}
	return int(size)
}

// EndsWithNewline reports whether the file ends in an EOL marker.
func (r *PdfFileReader) EndsWithNewline() bool {
	return bytes.HasSuffix(r.data, []byte("\n")) || bytes.HasSuffix(r.data, []byte("\r"))
}

// FieldNames returns the fully qualified names of all form fields.
func (r *PdfFileReader) FieldNames() []string {
	var names []string
	if r.AcroForm == nil {
		return names
	}
	visited := make(map[int]bool)
	var walk func(obj generic.PdfObject, prefix string)
	walk = func(obj generic.PdfObject, prefix string) {
		if ref, ok := obj.(generic.Reference); ok {
			if visited[ref.ObjectNumber] {
				return
			}
			visited[ref.ObjectNumber] = true
		}
		resolved, err := r.Resolve(obj)
		if err != nil {
			return
		}
		field, ok := resolved.(*generic.DictionaryObject)
		if !ok {
			return
		}
		name := prefix
		if t, ok := field.Get("T").(*generic.StringObject); ok {
			if name != "" {
				name += "."
			}
			name += t.Text()
			names = append(names, name)
		}
		for _, kid := range field.GetArray("Kids") {
			walk(kid, name)
		}
	}
	for _, f := range r.AcroForm.GetArray("Fields") {
		walk(f, "")
	}
	return names
}

// EmbeddedSignature is a signature dictionary found through the form.
type EmbeddedSignature struct {
	FieldName  string
	Dictionary *generic.DictionaryObject
	ByteRange  [4]int64
	Contents   []byte
	reader     *PdfFileReader
}

// GetEmbeddedSignatures returns signature fields that carry a value, in
// form order.
func (r *PdfFileReader) GetEmbeddedSignatures() ([]*EmbeddedSignature, error) {
	var sigs []*EmbeddedSignature
	if r.AcroForm == nil {
		return sigs, nil
	}

	for _, f := range r.AcroForm.GetArray("Fields") {
		resolved, err := r.Resolve(f)
		if err != nil {
			continue
		}
		field, ok := resolved.(*generic.DictionaryObject)
		if !ok || field.GetName("FT") != "Sig" {
			continue
		}
		v, err := r.Resolve(field.Get("V"))
		if err != nil {
			continue
		}
		sigDict, ok := v.(*generic.DictionaryObject)
		if !ok {
			continue
		}

		sig := &EmbeddedSignature{Dictionary: sigDict, reader: r}
		if t, ok := field.Get("T").(*generic.StringObject); ok {
			sig.FieldName = t.Text()
		}
		byteRange := sigDict.GetArray("ByteRange")
		if len(byteRange) != 4 {
			return nil, fmt.Errorf("%w: signature %q has no valid ByteRange", ErrInvalidPDF, sig.FieldName)
		}
		for i, item := range byteRange {
			n, ok := item.(generic.IntegerObject)
			if !ok {
				return nil, fmt.Errorf("%w: signature %q ByteRange", ErrInvalidPDF, sig.FieldName)
			}
			sig.ByteRange[i] = int64(n)
		}
		if contents, ok := sigDict.Get("Contents").(*generic.StringObject); ok {
			sig.Contents = contents.Value
		}
		sigs = append(sigs, sig)
	}
	return sigs, nil
}

// SignedData returns the bytes covered by the byte range.
func (e *EmbeddedSignature) SignedData() ([]byte, error) {
	data := e.reader.data
	br := e.ByteRange
	size := int64(len(data))
	if br[0] < 0 || br[1] < 0 || br[2] < 0 || br[3] < 0 ||
		br[0] > size || br[1] > size-br[0] || br[2] > size || br[3] > size-br[2] {
		return nil, fmt.Errorf("%w: byte range %v exceeds file size %d", ErrInvalidPDF, br, len(data))
	}
	out := make([]byte, 0, br[1]+br[3])
	out = append(out, data[br[0]:br[0]+br[1]]...)
	out = append(out, data[br[2]:br[2]+br[3]]...)
	return out, nil
}

// CoversWholeFile reports whether the byte range reaches the end of the file.
func (e *EmbeddedSignature) CoversWholeFile() bool {
	br := e.ByteRange
	size := int64(len(e.reader.data))
	return br[2] >= 0 && br[2] <= size && br[3] == size-br[2]
}

func (e *EmbeddedSignature) text(key string) string {
	if s, ok := e.Dictionary.Get(key).(*generic.StringObject); ok {
		return s.Text()
	}
	return ""
}

// SubFilter returns the /SubFilter name.
func (e *EmbeddedSignature) SubFilter() string { return e.Dictionary.GetName("SubFilter") }

// SigningTime returns the raw /M date string.
func (e *EmbeddedSignature) SigningTime() string { return e.text("M") }

func (e *EmbeddedSignature) Reason() string      { return e.text("Reason") }
func (e *EmbeddedSignature) Location() string    { return e.text("Location") }
func (e *EmbeddedSignature) ContactInfo() string { return e.text("ContactInfo") }
func (e *EmbeddedSignature) Name() string        { return e.text("Name") }

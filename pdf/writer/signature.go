package writer

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/georgepadayatti/pdfsign/pdf/generic"
)

// Signature placement errors.
var (
	ErrFieldExists        = errors.New("a non-signature field with this name exists")
	ErrFieldAlreadySigned = errors.New("signature field is already signed")
	ErrInvalidPage        = errors.New("page index out of range")
	ErrPlaceholderNotSet  = errors.New("signature placeholder was not written")
)

// DefaultContentsSize is the number of DER bytes reserved in /Contents.
const DefaultContentsSize = 16 * 1024

// byteRangeWidth is the printed width of "[%010d %010d %010d %010d]".
const byteRangeWidth = 2 + 4*10 + 3

// SignatureFieldSpec describes where the signature field goes. An empty
// name picks the first unused "SignatureN".
type SignatureFieldSpec struct {
	Name string
	Page int
	Rect generic.Rectangle
}

// SignatureMetadata holds the descriptive entries of a signature dictionary.
type SignatureMetadata struct {
	Name        string
	Reason      string
	Location    string
	ContactInfo string
	SigningTime time.Time
}

// ByteRangePlaceholder writes a fixed width /ByteRange array and remembers
// where it was written so it can be filled in afterwards.
type ByteRangePlaceholder struct {
	offset int64
}

func (p *ByteRangePlaceholder) Write(w io.Writer) error {
	p.offset = -1
	if lw, ok := w.(interface{ Len() int }); ok {
		p.offset = int64(lw.Len())
	}
	_, err := fmt.Fprintf(w, "[%010d %010d %010d %010d]", 0, 0, 0, 0)
	return err
}

func (p *ByteRangePlaceholder) Clone() generic.PdfObject { return &ByteRangePlaceholder{} }

// ContentsPlaceholder writes a zero-filled hex string of Size bytes and
// remembers the offset of its opening '<'.
type ContentsPlaceholder struct {
	Size   int
	offset int64
}

func (p *ContentsPlaceholder) Write(w io.Writer) error {
	p.offset = -1
	if lw, ok := w.(interface{ Len() int }); ok {
		p.offset = int64(lw.Len())
	}
	_, err := io.WriteString(w, "<"+strings.Repeat("0", 2*p.Size)+">")
	return err
}

func (p *ContentsPlaceholder) Clone() generic.PdfObject { return &ContentsPlaceholder{Size: p.Size} }

// SignaturePlaceholder ties the signature dictionary to its placeholders.
type SignaturePlaceholder struct {
	FieldName   string
	SigDictRef  generic.Reference
	SigningTime time.Time
	byteRange   *ByteRangePlaceholder
	contents    *ContentsPlaceholder
}

// PreparedDocument is the updated file with a zeroed /Contents and a filled
// /ByteRange.
type PreparedDocument struct {
	Data      []byte
	ByteRange [4]int64
	// ContentsOffset is the offset of the '<' that opens /Contents.
	ContentsOffset int64
	// ContentsSize is the number of DER bytes that fit in /Contents.
	ContentsSize int
	FieldName    string
	// SigningTime is the /M entry of the signature dictionary.
	SigningTime time.Time
}

// AddSignatureField creates a signature field widget on the requested page,
// or reuses an empty top-level signature field of the same name.
func (w *IncrementalPdfFileWriter) AddSignatureField(spec SignatureFieldSpec) (generic.Reference, *generic.DictionaryObject, string, error) {
	r := w.Reader
	if spec.Page < 0 || spec.Page >= len(r.Pages) {
		return generic.Reference{}, nil, "", fmt.Errorf("%w: %d of %d", ErrInvalidPage, spec.Page, len(r.Pages))
	}

	name := spec.Name
	if name == "" {
		name = w.uniqueFieldName()
	} else if ref, field, ok, err := w.findField(name); err != nil {
		return generic.Reference{}, nil, "", err
	} else if ok {
		if err := w.registerField(ref, false); err != nil {
			return generic.Reference{}, nil, "", err
		}
		return ref, field.Clone().(*generic.DictionaryObject), name, nil
	}

	page := r.Pages[spec.Page]
	field := generic.NewDictionary()
	field.Set("Type", generic.NameObject("Annot"))
	field.Set("Subtype", generic.NameObject("Widget"))
	field.Set("FT", generic.NameObject("Sig"))
	field.Set("T", generic.NewTextString(name))
	field.Set("Rect", spec.Rect.ToArray())
	field.Set("F", generic.IntegerObject(132)) // Print | Locked
	field.Set("P", page.Ref)
	fieldRef := w.AddObject(field)

	if err := w.appendAnnotation(page.Ref, fieldRef); err != nil {
		return generic.Reference{}, nil, "", err
	}
	if err := w.registerField(fieldRef, true); err != nil {
		return generic.Reference{}, nil, "", err
	}
	return fieldRef, field, name, nil
}

func (w *IncrementalPdfFileWriter) uniqueFieldName() string {
	taken := make(map[string]bool)
	for _, n := range w.Reader.FieldNames() {
		taken[n] = true
	}
	for i := 1; ; i++ {
		name := fmt.Sprintf("Signature%d", i)
		if !taken[name] {
			return name
		}
	}
}

// findField looks for a top-level field called name. It fails if the field
// exists but cannot take a new signature.
func (w *IncrementalPdfFileWriter) findField(name string) (generic.Reference, *generic.DictionaryObject, bool, error) {
	r := w.Reader
	if r.AcroForm == nil {
		return generic.Reference{}, nil, false, nil
	}
	for _, item := range r.AcroForm.GetArray("Fields") {
		ref, ok := item.(generic.Reference)
		if !ok {
			continue
		}
		field, err := r.GetDict(ref)
		if err != nil {
			continue
		}
		t, ok := field.Get("T").(*generic.StringObject)
		if !ok || t.Text() != name {
			continue
		}
		if field.GetName("FT") != "Sig" {
			return generic.Reference{}, nil, false, fmt.Errorf("%w: %q", ErrFieldExists, name)
		}
		if field.Has("V") {
			return generic.Reference{}, nil, false, fmt.Errorf("%w: %q", ErrFieldAlreadySigned, name)
		}
		return ref, field, true, nil
	}
	return generic.Reference{}, nil, false, nil
}

// appendAnnotation adds annot to the page's /Annots, which may be inline or
// an indirect array.
func (w *IncrementalPdfFileWriter) appendAnnotation(pageRef, annot generic.Reference) error {
	pageObj, err := w.GetObject(pageRef.ObjectNumber)
	if err != nil {
		return err
	}
	page := pageObj.(*generic.DictionaryObject).Clone().(*generic.DictionaryObject)

	if annotsRef, ok := page.GetReference("Annots"); ok {
		obj, err := w.GetObject(annotsRef.ObjectNumber)
		if err != nil {
			return err
		}
		arr, ok := obj.(generic.ArrayObject)
		if !ok {
			return fmt.Errorf("page %s: /Annots is not an array", pageRef)
		}
		arr = append(arr.Clone().(generic.ArrayObject), annot)
		w.UpdateObject(annotsRef, arr)
		return nil
	}

	annots := page.GetArray("Annots").Clone().(generic.ArrayObject)
	page.Set("Annots", append(annots, annot))
	w.UpdateObject(pageRef, page)
	return nil
}

// registerField sets SignaturesExist | AppendOnly on the AcroForm, creating
// the form if needed. With add set, fieldRef is appended to /Fields.
func (w *IncrementalPdfFileWriter) registerField(fieldRef generic.Reference, add bool) error {
	r := w.Reader

	var form *generic.DictionaryObject
	if r.AcroForm != nil {
		form = r.AcroForm.Clone().(*generic.DictionaryObject)
	} else {
		form = generic.NewDictionary()
	}

	if add {
		switch f := form.Get("Fields").(type) {
		case generic.Reference:
			obj, err := w.GetObject(f.ObjectNumber)
			if err != nil {
				return err
			}
			arr, ok := obj.(generic.ArrayObject)
			if !ok {
				return fmt.Errorf("AcroForm /Fields %s is not an array", f)
			}
			w.UpdateObject(f, append(arr.Clone().(generic.ArrayObject), fieldRef))
		default:
			fields := form.GetArray("Fields").Clone().(generic.ArrayObject)
			form.Set("Fields", append(fields, fieldRef))
		}
	}

	sigFlags, _ := form.GetInt("SigFlags")
	form.Set("SigFlags", generic.IntegerObject(sigFlags|3))

	switch {
	case r.AcroFormRef != nil:
		w.UpdateObject(*r.AcroFormRef, form)
	default:
		root, err := w.GetRoot()
		if err != nil {
			return err
		}
		if r.AcroForm == nil {
			root.Set("AcroForm", w.AddObject(form))
		} else {
			root.Set("AcroForm", form)
		}
		w.UpdateObject(w.rootRef, root)
	}
	return nil
}

// PrepareSignature creates the signature dictionary with its placeholders
// and points the field's /V at it.
func (w *IncrementalPdfFileWriter) PrepareSignature(fieldRef generic.Reference, field *generic.DictionaryObject, fieldName string, meta SignatureMetadata, contentsSize int) *SignaturePlaceholder {
	if contentsSize <= 0 {
		contentsSize = DefaultContentsSize
	}
	byteRange := &ByteRangePlaceholder{offset: -1}
	contents := &ContentsPlaceholder{Size: contentsSize, offset: -1}

	sigDict := generic.NewDictionary()
	sigDict.Set("Type", generic.NameObject("Sig"))
	sigDict.Set("Filter", generic.NameObject("Adobe.PPKLite"))
	sigDict.Set("SubFilter", generic.NameObject("adbe.pkcs7.detached"))
	sigDict.Set("ByteRange", byteRange)
	sigDict.Set("Contents", contents)
	if !meta.SigningTime.IsZero() {
		sigDict.Set("M", generic.NewLiteralString(FormatPDFDate(meta.SigningTime)))
	}
	if meta.Name != "" {
		sigDict.Set("Name", generic.NewTextString(meta.Name))
	}
	if meta.Reason != "" {
		sigDict.Set("Reason", generic.NewTextString(meta.Reason))
	}
	if meta.Location != "" {
		sigDict.Set("Location", generic.NewTextString(meta.Location))
	}
	if meta.ContactInfo != "" {
		sigDict.Set("ContactInfo", generic.NewTextString(meta.ContactInfo))
	}
	sigDictRef := w.AddObject(sigDict)

	field.Set("V", sigDictRef)
	w.UpdateObject(fieldRef, field)

	return &SignaturePlaceholder{
		FieldName:   fieldName,
		SigDictRef:  sigDictRef,
		SigningTime: meta.SigningTime,
		byteRange:   byteRange,
		contents:    contents,
	}
}

// WriteWithPlaceholder writes the update and fills in the byte range. The
// returned document still has a zeroed /Contents.
func (w *IncrementalPdfFileWriter) WriteWithPlaceholder(p *SignaturePlaceholder) (*PreparedDocument, error) {
	data, err := w.Bytes()
	if err != nil {
		return nil, err
	}
	if p.byteRange.offset < 0 || p.contents.offset < 0 {
		return nil, ErrPlaceholderNotSet
	}

	contentsStart := p.contents.offset
	contentsEnd := contentsStart + 2 + int64(2*p.contents.Size)
	byteRange := [4]int64{0, contentsStart, contentsEnd, int64(len(data)) - contentsEnd}

	if err := PatchByteRange(data, p.byteRange.offset, byteRange); err != nil {
		return nil, err
	}

	return &PreparedDocument{
		Data:           data,
		ByteRange:      byteRange,
		ContentsOffset: contentsStart,
		ContentsSize:   p.contents.Size,
		FieldName:      p.FieldName,
		SigningTime:    p.SigningTime,
	}, nil
}

// PatchByteRange overwrites the fixed width array at offset in place.
func PatchByteRange(data []byte, offset int64, byteRange [4]int64) error {
	s := fmt.Sprintf("[%010d %010d %010d %010d]", byteRange[0], byteRange[1], byteRange[2], byteRange[3])
	if len(s) != byteRangeWidth {
		return fmt.Errorf("byte range %v does not fit the placeholder", byteRange)
	}
	if offset < 0 || offset+byteRangeWidth > int64(len(data)) {
		return fmt.Errorf("byte range offset %d out of bounds", offset)
	}
	if !bytes.HasPrefix(data[offset:], []byte("[0000000000 ")) {
		return fmt.Errorf("no byte range placeholder at offset %d", offset)
	}
	copy(data[offset:], s)
	return nil
}

// FormatPDFDate formats t as a PDF date string (D:YYYYMMDDHHmmSS+HH'mm').
func FormatPDFDate(t time.Time) string {
	_, offset := t.Zone()
	sign := "+"
	if offset < 0 {
		sign = "-"
		offset = -offset
	}
	if offset == 0 {
		return fmt.Sprintf("D:%04d%02d%02d%02d%02d%02dZ",
			t.Year(), int(t.Month()), t.Day(), t.Hour(), t.Minute(), t.Second())
	}
	return fmt.Sprintf("D:%04d%02d%02d%02d%02d%02d%s%02d'%02d'",
		t.Year(), int(t.Month()), t.Day(),
		t.Hour(), t.Minute(), t.Second(),
		sign, offset/3600, (offset%3600)/60)
}

// ParsePDFDate parses a PDF date string.
func ParsePDFDate(s string) (time.Time, error) {
	if !strings.HasPrefix(s, "D:") || len(s) < 6 {
		return time.Time{}, fmt.Errorf("invalid PDF date format: %q", s)
	}
	s = strings.ReplaceAll(s[2:], "'", "")

	formats := []string{
		"20060102150405-0700",
		"20060102150405Z",
		"20060102150405",
		"200601021504",
		"2006010215",
		"20060102",
		"200601",
		"2006",
	}
	for _, format := range formats {
		if t, err := time.Parse(format, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unable to parse PDF date: %q", s)
}

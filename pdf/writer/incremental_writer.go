// Package writer appends incremental updates to existing PDF files.
// Incremental updates leave every original byte in place, which keeps
// earlier object offsets and earlier signatures valid.
package writer

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/georgepadayatti/pdfsign/pdf/filters"
	"github.com/georgepadayatti/pdfsign/pdf/generic"
	"github.com/georgepadayatti/pdfsign/pdf/reader"
)

// Common errors for incremental writer
var (
	ErrNoEncryptionCredentials = errors.New("cannot update an encrypted document")
	ErrNoRoot                  = errors.New("no document catalog")
)

// trailer keys that belong to an xref stream dictionary and never carry
// over into a new section.
var xrefStreamKeys = map[string]bool{
	"Type": true, "W": true, "Index": true, "Filter": true, "DecodeParms": true,
	"Length": true, "XRefStm": true, "DL": true, "F": true, "FFilter": true, "FDecodeParms": true,
}

// IncrementalPdfFileWriter collects new and updated objects and writes them
// after the original bytes with a new cross-reference section.
type IncrementalPdfFileWriter struct {
	Reader *reader.PdfFileReader

	objects    map[int]*generic.IndirectObject
	nextObjNum int
	rootRef    generic.Reference
	infoRef    *generic.Reference
	documentID generic.ArrayObject

	// streamXRefs selects an xref stream for the new section. It defaults
	// to the style of the input file.
	streamXRefs bool
}

// NewIncrementalPdfFileWriter creates an incremental writer on top of r.
// Encrypted documents are rejected.
func NewIncrementalPdfFileWriter(r *reader.PdfFileReader) (*IncrementalPdfFileWriter, error) {
	if r.Encrypted {
		return nil, fmt.Errorf("%w: %w", ErrNoEncryptionCredentials, reader.ErrEncrypted)
	}
	documentID, err := handleDocumentID(r, rand.Reader)
	if err != nil {
		return nil, err
	}

	w := &IncrementalPdfFileWriter{
		Reader:      r,
		objects:     make(map[int]*generic.IndirectObject),
		nextObjNum:  r.Size(),
		rootRef:     r.RootRef,
		documentID:  documentID,
		streamXRefs: r.HasXRefStream,
	}
	if info, ok := r.Trailer.Info(); ok {
		w.infoRef = &info
	}
	return w, nil
}

// handleDocumentID keeps the first half of the file identifier and
// regenerates the second half, as required for an updated file.
func handleDocumentID(r *reader.PdfFileReader, random io.Reader) (generic.ArrayObject, error) {
	id2 := make([]byte, 16)
	if _, err := io.ReadFull(random, id2); err != nil {
		return nil, fmt.Errorf("generating document ID: %w", err)
	}

	var id1 []byte
	if ids := r.Trailer.GetArray("ID"); len(ids) >= 1 {
		if str, ok := ids[0].(*generic.StringObject); ok && len(str.Value) > 0 {
			id1 = str.Value
		}
	}
	if id1 == nil {
		id1 = make([]byte, 16)
		if _, err := io.ReadFull(random, id1); err != nil {
			return nil, fmt.Errorf("generating document ID: %w", err)
		}
	}

	return generic.ArrayObject{generic.NewHexString(id1), generic.NewHexString(id2)}, nil
}

// GetObject returns an object by number, preferring pending updates.
func (w *IncrementalPdfFileWriter) GetObject(objNum int) (generic.PdfObject, error) {
	if obj, ok := w.objects[objNum]; ok {
		return obj.Object, nil
	}
	return w.Reader.GetObject(objNum)
}

// GetRoot returns a private copy of the document catalog.
func (w *IncrementalPdfFileWriter) GetRoot() (*generic.DictionaryObject, error) {
	obj, err := w.GetObject(w.rootRef.ObjectNumber)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoRoot, err)
	}
	dict, ok := obj.(*generic.DictionaryObject)
	if !ok {
		return nil, fmt.Errorf("%w: catalog is not a dictionary", ErrNoRoot)
	}
	return dict.Clone().(*generic.DictionaryObject), nil
}

// AddObject registers a new object and returns its reference.
func (w *IncrementalPdfFileWriter) AddObject(obj generic.PdfObject) generic.Reference {
	objNum := w.nextObjNum
	w.nextObjNum++
	w.objects[objNum] = generic.NewIndirectObject(objNum, 0, obj)
	return generic.NewReference(objNum, 0)
}

// UpdateObject replaces an existing object in the new section.
func (w *IncrementalPdfFileWriter) UpdateObject(ref generic.Reference, obj generic.PdfObject) {
	w.objects[ref.ObjectNumber] = generic.NewIndirectObject(ref.ObjectNumber, ref.GenerationNumber, obj)
}

// HasChanges reports whether any object is pending.
func (w *IncrementalPdfFileWriter) HasChanges() bool {
	return len(w.objects) > 0
}

// NextObjectNumber returns the next free object number.
func (w *IncrementalPdfFileWriter) NextObjectNumber() int {
	return w.nextObjNum
}

// RootRef returns the catalog reference.
func (w *IncrementalPdfFileWriter) RootRef() generic.Reference {
	return w.rootRef
}

// DocumentID returns both halves of the file identifier written to the new
// trailer.
func (w *IncrementalPdfFileWriter) DocumentID() ([]byte, []byte) {
	id1 := w.documentID[0].(*generic.StringObject).Value
	id2 := w.documentID[1].(*generic.StringObject).Value
	return id1, id2
}

// SetStreamXRefs overrides the cross-reference style of the new section.
func (w *IncrementalPdfFileWriter) SetStreamXRefs(use bool) {
	w.streamXRefs = use
}

// Write appends the pending objects to the original bytes and writes the
// result to out. Without changes the original bytes are written unchanged.
func (w *IncrementalPdfFileWriter) Write(out io.Writer) error {
	data, err := w.Bytes()
	if err != nil {
		return err
	}
	_, err = out.Write(data)
	return err
}

// Bytes returns the updated file.
func (w *IncrementalPdfFileWriter) Bytes() ([]byte, error) {
	original := w.Reader.Data()
	if !w.HasChanges() {
		return original, nil
	}

	var buf bytes.Buffer
	buf.Grow(len(original) + 4096)
	buf.Write(original)
	if !w.Reader.EndsWithNewline() {
		buf.WriteByte('\n')
	}

	nums := make([]int, 0, len(w.objects)+1)
	for n := range w.objects {
		nums = append(nums, n)
	}
	sort.Ints(nums)

	offsets := make(map[int]int64, len(nums)+1)
	for _, n := range nums {
		offsets[n] = int64(buf.Len())
		if err := w.objects[n].Write(&buf); err != nil {
			return nil, fmt.Errorf("writing object %d: %w", n, err)
		}
	}

	var err error
	if w.streamXRefs {
		err = w.writeXRefStream(&buf, nums, offsets)
	} else {
		err = w.writeXRefTable(&buf, nums, offsets)
	}
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (w *IncrementalPdfFileWriter) populateTrailer(trailer *generic.DictionaryObject, size int) {
	old := w.Reader.Trailer
	for _, key := range old.Keys() {
		if xrefStreamKeys[key] || key == "Prev" {
			continue
		}
		trailer.Set(key, old.Get(key))
	}
	trailer.Set("Size", generic.IntegerObject(size))
	trailer.Set("Prev", generic.IntegerObject(w.Reader.StartXRef()))
	trailer.Set("Root", w.rootRef)
	if w.infoRef != nil {
		trailer.Set("Info", *w.infoRef)
	}
	trailer.Set("ID", w.documentID)
}

type subsection struct {
	start int
	count int
}

// subsections groups sorted object numbers into consecutive runs.
func subsections(nums []int) []subsection {
	var out []subsection
	for _, n := range nums {
		if len(out) > 0 && out[len(out)-1].start+out[len(out)-1].count == n {
			out[len(out)-1].count++
			continue
		}
		out = append(out, subsection{start: n, count: 1})
	}
	return out
}

func (w *IncrementalPdfFileWriter) writeXRefTable(buf *bytes.Buffer, nums []int, offsets map[int]int64) error {
	xrefOffset := buf.Len()
	buf.WriteString("xref\n")
	i := 0
	for _, sub := range subsections(nums) {
		fmt.Fprintf(buf, "%d %d\n", sub.start, sub.count)
		for j := 0; j < sub.count; j++ {
			n := nums[i]
			fmt.Fprintf(buf, "%010d %05d n \n", offsets[n], w.objects[n].GenerationNumber)
			i++
		}
	}

	trailer := generic.NewDictionary()
	w.populateTrailer(trailer, w.nextObjNum)
	buf.WriteString("trailer\n")
	if err := trailer.Write(buf); err != nil {
		return err
	}
	fmt.Fprintf(buf, "\nstartxref\n%d\n%%%%EOF\n", xrefOffset)
	return nil
}

// writeXRefStream writes the new section as a Flate-compressed xref stream
// with field widths [1 4 2].
func (w *IncrementalPdfFileWriter) writeXRefStream(buf *bytes.Buffer, nums []int, offsets map[int]int64) error {
	xrefNum := w.nextObjNum
	xrefOffset := int64(buf.Len())
	allNums := append(append([]int{}, nums...), xrefNum)
	offsets[xrefNum] = xrefOffset

	var data []byte
	var index generic.ArrayObject
	for _, sub := range subsections(allNums) {
		index = append(index, generic.IntegerObject(sub.start), generic.IntegerObject(sub.count))
	}
	for _, n := range allNums {
		gen := 0
		if obj, ok := w.objects[n]; ok {
			gen = obj.GenerationNumber
		}
		off := offsets[n]
		data = append(data, 1, byte(off>>24), byte(off>>16), byte(off>>8), byte(off), byte(gen>>8), byte(gen))
	}

	compressed, err := (&filters.FlateDecodeFilter{}).Encode(data)
	if err != nil {
		return err
	}

	dict := generic.NewDictionary()
	dict.Set("Type", generic.NameObject("XRef"))
	w.populateTrailer(dict, xrefNum+1)
	dict.Set("W", generic.ArrayObject{generic.IntegerObject(1), generic.IntegerObject(4), generic.IntegerObject(2)})
	dict.Set("Index", index)
	dict.Set("Filter", generic.NameObject("FlateDecode"))

	obj := generic.NewIndirectObject(xrefNum, 0, generic.NewStream(dict, compressed))
	if err := obj.Write(buf); err != nil {
		return err
	}
	fmt.Fprintf(buf, "startxref\n%d\n%%%%EOF\n", xrefOffset)
	return nil
}

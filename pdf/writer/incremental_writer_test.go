package writer

import (
	"bytes"
	"errors"
	"testing"

	"github.com/georgepadayatti/pdfsign/internal/testpdf"
	"github.com/georgepadayatti/pdfsign/pdf/generic"
	"github.com/georgepadayatti/pdfsign/pdf/reader"
)

func newWriter(t *testing.T, data []byte) *IncrementalPdfFileWriter {
	t.Helper()
	r, err := reader.NewPdfFileReaderFromBytes(data)
	if err != nil {
		t.Fatalf("Failed to create reader: %v", err)
	}
	w, err := NewIncrementalPdfFileWriter(r)
	if err != nil {
		t.Fatalf("Failed to create writer: %v", err)
	}
	return w
}

func reread(t *testing.T, data []byte) *reader.PdfFileReader {
	t.Helper()
	r, err := reader.NewPdfFileReaderFromBytes(data)
	if err != nil {
		t.Fatalf("Failed to re-read output: %v\n%s", err, data)
	}
	return r
}

func TestNewIncrementalPdfFileWriter(t *testing.T) {
	w := newWriter(t, testpdf.Minimal())

	if w.NextObjectNumber() != 4 {
		t.Errorf("NextObjectNumber() = %d, want 4", w.NextObjectNumber())
	}
	if w.RootRef() != generic.NewReference(1, 0) {
		t.Errorf("RootRef() = %v", w.RootRef())
	}
	if w.HasChanges() {
		t.Error("Should have no changes initially")
	}
}

func TestIncrementalWriter_DocumentID(t *testing.T) {
	w := newWriter(t, testpdf.Minimal())
	id1, id2 := w.DocumentID()
	if !bytes.Equal(id1, []byte{1, 2, 3, 4, 5, 6, 7, 8}) {
		t.Errorf("first ID half not preserved: %X", id1)
	}
	if len(id2) != 16 || bytes.Equal(id1, id2) {
		t.Errorf("second ID half not regenerated: %X", id2)
	}
}

func TestIncrementalWriter_AddAndUpdate(t *testing.T) {
	w := newWriter(t, testpdf.Minimal())

	dict := generic.NewDictionary()
	dict.Set("Test", generic.NameObject("Value"))
	ref := w.AddObject(dict)
	if ref.ObjectNumber != 4 {
		t.Errorf("AddObject() = %v, want 4 0 R", ref)
	}

	root, err := w.GetRoot()
	if err != nil {
		t.Fatalf("GetRoot failed: %v", err)
	}
	root.Set("Extra", ref)
	w.UpdateObject(w.RootRef(), root)

	obj, err := w.GetObject(1)
	if err != nil {
		t.Fatalf("GetObject failed: %v", err)
	}
	if _, ok := obj.(*generic.DictionaryObject).GetReference("Extra"); !ok {
		t.Error("update not visible through GetObject")
	}
	if w.Reader.Root.Has("Extra") {
		t.Error("GetRoot must return a copy")
	}
}

func TestIncrementalWriter_Write_NoChanges(t *testing.T) {
	pdfData := testpdf.Minimal()
	w := newWriter(t, pdfData)

	var buf bytes.Buffer
	if err := w.Write(&buf); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if !bytes.Equal(buf.Bytes(), pdfData) {
		t.Error("Output should equal input when no changes")
	}
}

func TestIncrementalWriter_Write_WithChanges(t *testing.T) {
	pdfData := testpdf.Minimal()
	w := newWriter(t, pdfData)

	dict := generic.NewDictionary()
	dict.Set("NewKey", generic.NameObject("NewValue"))
	ref := w.AddObject(dict)

	out, err := w.Bytes()
	if err != nil {
		t.Fatalf("Bytes failed: %v", err)
	}
	if !bytes.HasPrefix(out, pdfData) {
		t.Fatal("Output should start with original PDF")
	}

	r := reread(t, out)
	if len(r.XRefOffsets) != 2 || r.XRefOffsets[1] != w.Reader.StartXRef() {
		t.Errorf("XRefOffsets = %v", r.XRefOffsets)
	}
	obj, err := r.GetObject(ref.ObjectNumber)
	if err != nil {
		t.Fatalf("new object not readable: %v", err)
	}
	if obj.(*generic.DictionaryObject).GetName("NewKey") != "NewValue" {
		t.Errorf("unexpected object %v", obj)
	}
	if r.Size() != 5 {
		t.Errorf("Size() = %d, want 5", r.Size())
	}
}

func TestIncrementalWriter_MissingTrailingNewline(t *testing.T) {
	pdfData := bytes.TrimRight(testpdf.Minimal(), "\n")
	w := newWriter(t, pdfData)
	w.AddObject(generic.IntegerObject(42))

	out, err := w.Bytes()
	if err != nil {
		t.Fatalf("Bytes failed: %v", err)
	}
	if !bytes.HasPrefix(out[len(pdfData):], []byte("\n4 0 obj")) {
		t.Errorf("update not separated from %%%%EOF: %q", out[len(pdfData):len(pdfData)+10])
	}
	reread(t, out)
}

func TestIncrementalWriter_XRefStreamInput(t *testing.T) {
	pdfData := testpdf.Compressed()
	w := newWriter(t, pdfData)
	ref := w.AddObject(generic.NewLiteralString("appended"))

	out, err := w.Bytes()
	if err != nil {
		t.Fatalf("Bytes failed: %v", err)
	}
	if bytes.Contains(out[len(pdfData):], []byte("\ntrailer\n")) {
		t.Error("expected an xref stream section for an xref stream input")
	}

	r := reread(t, out)
	if !r.HasXRefStream {
		t.Error("HasXRefStream = false")
	}
	obj, err := r.GetObject(ref.ObjectNumber)
	if err != nil {
		t.Fatalf("new object not readable: %v", err)
	}
	if s, ok := obj.(*generic.StringObject); !ok || string(s.Value) != "appended" {
		t.Errorf("unexpected object %v", obj)
	}
	if len(r.Pages) != 1 {
		t.Errorf("page tree lost: %d pages", len(r.Pages))
	}
}

func TestIncrementalWriter_ForcedClassicXRef(t *testing.T) {
	w := newWriter(t, testpdf.Compressed())
	w.SetStreamXRefs(false)
	w.AddObject(generic.IntegerObject(1))

	out, err := w.Bytes()
	if err != nil {
		t.Fatalf("Bytes failed: %v", err)
	}
	r := reread(t, out)
	if r.Trailer.Has("W") || r.Trailer.Has("Index") {
		t.Error("xref stream keys leaked into classic trailer")
	}
}

func TestIncrementalWriter_Encrypted(t *testing.T) {
	pdfData := testpdf.Build(
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] >>",
	)
	pdfData = bytes.Replace(pdfData, []byte("/Root 1 0 R"), []byte("/Root 1 0 R /Encrypt 3 0 R"), 1)
	r, err := reader.NewPdfFileReaderFromBytes(pdfData)
	if err != nil {
		t.Fatalf("Failed to create reader: %v", err)
	}
	if _, err := NewIncrementalPdfFileWriter(r); !errors.Is(err, reader.ErrEncrypted) {
		t.Errorf("expected ErrEncrypted, got %v", err)
	}
}

func TestSubsections(t *testing.T) {
	got := subsections([]int{1, 4, 5, 6, 9})
	want := []subsection{{1, 1}, {4, 3}, {9, 1}}
	if len(got) != len(want) {
		t.Fatalf("subsections = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("subsection %d = %v, want %v", i, got[i], want[i])
		}
	}
}

package reader

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/georgepadayatti/pdfsign/internal/testpdf"
	"github.com/georgepadayatti/pdfsign/pdf/generic"
)

func TestReadMinimal(t *testing.T) {
	r, err := NewPdfFileReaderFromBytes(testpdf.Minimal())
	if err != nil {
		t.Fatalf("NewPdfFileReaderFromBytes failed: %v", err)
	}

	if r.Version != "1.7" {
		t.Errorf("Version = %q, want 1.7", r.Version)
	}
	if r.RootRef != generic.NewReference(1, 0) {
		t.Errorf("RootRef = %v", r.RootRef)
	}
	if len(r.Pages) != 1 || r.Pages[0].Ref.ObjectNumber != 3 {
		t.Fatalf("Pages = %+v", r.Pages)
	}
	if r.Size() != 4 {
		t.Errorf("Size() = %d, want 4", r.Size())
	}
	if r.AcroForm != nil {
		t.Errorf("unexpected AcroForm")
	}
	if r.HasXRefStream || r.Encrypted {
		t.Errorf("HasXRefStream = %v, Encrypted = %v", r.HasXRefStream, r.Encrypted)
	}
	if !r.EndsWithNewline() {
		t.Errorf("EndsWithNewline() = false")
	}
}

func TestReadCompressed(t *testing.T) {
	r, err := NewPdfFileReaderFromBytes(testpdf.Compressed())
	if err != nil {
		t.Fatalf("NewPdfFileReaderFromBytes failed: %v", err)
	}
	if !r.HasXRefStream {
		t.Errorf("HasXRefStream = false")
	}
	if r.XRef[2].Type != XRefInObjectStream || r.XRef[3].IndexInStream != 1 {
		t.Errorf("unexpected xref entries %+v %+v", r.XRef[2], r.XRef[3])
	}
	if len(r.Pages) != 1 || r.Pages[0].Ref.ObjectNumber != 3 {
		t.Fatalf("Pages = %+v", r.Pages)
	}
	box := r.Pages[0].Dict.GetArray("MediaBox")
	if len(box) != 4 || box[3] != generic.IntegerObject(792) {
		t.Errorf("MediaBox = %v", box)
	}
}

func TestReadForm(t *testing.T) {
	r, err := NewPdfFileReaderFromBytes(testpdf.WithForm())
	if err != nil {
		t.Fatalf("NewPdfFileReaderFromBytes failed: %v", err)
	}
	if r.AcroFormRef == nil || r.AcroFormRef.ObjectNumber != 4 {
		t.Fatalf("AcroFormRef = %v", r.AcroFormRef)
	}
	names := r.FieldNames()
	if len(names) != 1 || names[0] != "Signature1" {
		t.Errorf("FieldNames() = %v", names)
	}

	sigs, err := r.GetEmbeddedSignatures()
	if err != nil {
		t.Fatalf("GetEmbeddedSignatures failed: %v", err)
	}
	if len(sigs) != 0 {
		t.Errorf("unsigned field reported as signature")
	}
}

func TestIncrementalUpdateOverridesOlderEntries(t *testing.T) {
	base := testpdf.Minimal()
	r, err := NewPdfFileReaderFromBytes(base)
	if err != nil {
		t.Fatalf("NewPdfFileReaderFromBytes failed: %v", err)
	}

	var buf bytes.Buffer
	buf.Write(base)
	off := buf.Len()
	buf.WriteString("3 0 obj\n<< /Type /Page /Parent 2 0 R /MediaBox [0 0 100 100] >>\nendobj\n")
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n3 1\n%010d 00000 n \n", off)
	fmt.Fprintf(&buf, "trailer\n<< /Size 4 /Root 1 0 R /Prev %d >>\n", r.StartXRef())
	fmt.Fprintf(&buf, "startxref\n%d\n%%%%EOF\n", xref)

	updated, err := NewPdfFileReaderFromBytes(buf.Bytes())
	if err != nil {
		t.Fatalf("reading update failed: %v", err)
	}
	if len(updated.XRefOffsets) != 2 {
		t.Errorf("XRefOffsets = %v", updated.XRefOffsets)
	}
	box := updated.Pages[0].Dict.GetArray("MediaBox")
	if box[2] != generic.IntegerObject(100) {
		t.Errorf("expected updated page, got MediaBox %v", box)
	}
}

func TestReadErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, ErrInvalidPDF},
		{"no header", []byte("hello world, this is not a pdf"), ErrInvalidPDF},
		{"no startxref", []byte("%PDF-1.7\n1 0 obj\nnull\nendobj\n"), ErrNoXRef},
		{"bad offset", []byte("%PDF-1.7\nstartxref\n99999\n%%EOF\n"), ErrInvalidXRef},
		{"catalog without pages", testpdf.Build("<< /Type /Pages /Kids [] /Count 0 >>"), ErrInvalidPDF},
		{"no pages", testpdf.Build("<< /Type /Catalog /Pages 2 0 R >>", "<< /Type /Pages /Kids [] /Count 0 >>"), ErrInvalidPDF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPdfFileReaderFromBytes(tt.data)
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestEmbeddedSignatureSignedData(t *testing.T) {
	pdf := testpdf.Build(
		"<< /Type /Catalog /Pages 2 0 R /AcroForm << /Fields [4 0 R] >> >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] >>",
		"<< /FT /Sig /T (Approval) /V 5 0 R >>",
		"<< /Type /Sig /ByteRange [0 10 20 5] /Contents <ABCD> /Reason (Testing) >>",
	)
	r, err := NewPdfFileReaderFromBytes(pdf)
	if err != nil {
		t.Fatalf("NewPdfFileReaderFromBytes failed: %v", err)
	}
	if r.AcroFormRef != nil || r.AcroForm == nil {
		t.Fatalf("expected inline AcroForm")
	}

	sigs, err := r.GetEmbeddedSignatures()
	if err != nil {
		t.Fatalf("GetEmbeddedSignatures failed: %v", err)
	}
	if len(sigs) != 1 {
		t.Fatalf("expected 1 signature, got %d", len(sigs))
	}
	sig := sigs[0]
	if sig.FieldName != "Approval" || sig.Reason() != "Testing" {
		t.Errorf("FieldName = %q, Reason = %q", sig.FieldName, sig.Reason())
	}
	if !bytes.Equal(sig.Contents, []byte{0xAB, 0xCD}) {
		t.Errorf("Contents = %X", sig.Contents)
	}
	data, err := sig.SignedData()
	if err != nil {
		t.Fatalf("SignedData failed: %v", err)
	}
	want := append(append([]byte{}, pdf[0:10]...), pdf[20:25]...)
	if !bytes.Equal(data, want) {
		t.Errorf("SignedData = %q, want %q", data, want)
	}
	if sig.CoversWholeFile() {
		t.Errorf("CoversWholeFile() = true")
	}
}

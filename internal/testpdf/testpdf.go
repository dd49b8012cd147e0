// Package testpdf builds small, well-formed PDF files for tests.
package testpdf

import (
	"bytes"
	"fmt"

	"github.com/georgepadayatti/pdfsign/pdf/filters"
)

// Catalog, page tree and a single US Letter page.
var minimalObjects = []string{
	"<< /Type /Catalog /Pages 2 0 R >>",
	"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
	"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] >>",
}

// Minimal returns a one page PDF with a classic xref table.
func Minimal() []byte {
	return Build(minimalObjects...)
}

// Build writes objects 1..n in order, followed by a classic xref table and
// a trailer with /Root 1 0 R.
func Build(objects ...string) []byte {
	var buf bytes.Buffer
	buf.WriteString("%PDF-1.7\n%\xE2\xE3\xCF\xD3\n")

	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}

	xrefOffset := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(objects)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R /ID [<0102030405060708> <0102030405060708>] >>\n",
		len(objects)+1)
	fmt.Fprintf(&buf, "startxref\n%d\n%%%%EOF\n", xrefOffset)
	return buf.Bytes()
}

// WithForm returns a one page PDF whose catalog references an AcroForm
// holding one unsigned signature field named "Signature1".
func WithForm() []byte {
	return Build(
		"<< /Type /Catalog /Pages 2 0 R /AcroForm 4 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Annots [5 0 R] >>",
		"<< /Fields [5 0 R] >>",
		"<< /FT /Sig /T (Signature1) /Type /Annot /Subtype /Widget /Rect [0 0 0 0] /P 3 0 R >>",
	)
}

// Compressed returns a PDF 1.5 file whose page tree lives in an object
// stream indexed by a FlateDecode xref stream with a PNG Up predictor.
func Compressed() []byte {
	flate := &filters.FlateDecodeFilter{}

	// Objects 2 and 3 are stored in object stream 4.
	header := "2 0 3 50 "
	body := fmt.Sprintf("%-50s%s", minimalObjects[1], minimalObjects[2])
	objStm, err := flate.Encode([]byte(header + body))
	if err != nil {
		panic(err)
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.5\n%\xE2\xE3\xCF\xD3\n")

	off1 := buf.Len()
	fmt.Fprintf(&buf, "1 0 obj\n%s\nendobj\n", minimalObjects[0])
	off4 := buf.Len()
	fmt.Fprintf(&buf, "4 0 obj\n<< /Type /ObjStm /N 2 /First %d /Filter /FlateDecode /Length %d >>\nstream\n",
		len(header), len(objStm))
	buf.Write(objStm)
	buf.WriteString("\nendstream\nendobj\n")

	off5 := buf.Len()
	rows := [][]byte{
		{0, 0, 0, 0xFF},
		{1, byte(off1 >> 8), byte(off1), 0},
		{2, 0, 4, 0},
		{2, 0, 4, 1},
		{1, byte(off4 >> 8), byte(off4), 0},
		{1, byte(off5 >> 8), byte(off5), 0},
	}
	// PNG "Up" filtering, one predictor byte per row.
	var raw []byte
	prev := make([]byte, 4)
	for _, row := range rows {
		raw = append(raw, 2)
		for i := range row {
			raw = append(raw, row[i]-prev[i])
		}
		prev = row
	}
	xrefData, err := flate.Encode(raw)
	if err != nil {
		panic(err)
	}
	fmt.Fprintf(&buf, "5 0 obj\n<< /Type /XRef /Size 6 /W [1 2 1] /Root 1 0 R "+
		"/Filter /FlateDecode /DecodeParms << /Predictor 12 /Columns 4 >> /Length %d >>\nstream\n", len(xrefData))
	buf.Write(xrefData)
	buf.WriteString("\nendstream\nendobj\n")
	fmt.Fprintf(&buf, "startxref\n%d\n%%%%EOF\n", off5)
	return buf.Bytes()
}

package signers

import (
	"bytes"
	"crypto"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strings"
)

// ValidateByteRange checks that byteRange describes two ordered,
// non-overlapping regions covering a document of size bytes with a hex
// string placeholder between them. The first region starts at offset 0 and
// the second ends at size.
func ValidateByteRange(size int64, byteRange [4]int64) error {
	if err := ValidateRevisionByteRange(size, byteRange); err != nil {
		return err
	}
	if byteRange[2]+byteRange[3] != size {
		return NewSigningError(InvalidRange,
			fmt.Sprintf("byte range %v does not end at document length %d", byteRange, size), nil)
	}
	return nil
}

// ValidateRevisionByteRange is ValidateByteRange for a signature of an
// earlier revision: the second region may end before size.
func ValidateRevisionByteRange(size int64, byteRange [4]int64) error {
	for i, v := range byteRange {
		if v < 0 {
			return NewSigningError(InvalidRange, fmt.Sprintf("byte range entry %d is negative", i), nil)
		}
	}
	if byteRange[0] != 0 {
		return NewSigningError(InvalidRange, fmt.Sprintf("byte range %v does not start at offset 0", byteRange), nil)
	}
	// Compared as differences so that no sum can overflow.
	if byteRange[0] > size || byteRange[1] > size-byteRange[0] ||
		byteRange[2] > size || byteRange[3] > size-byteRange[2] {
		return NewSigningError(InvalidRange, fmt.Sprintf("byte range %v exceeds document length %d", byteRange, size), nil)
	}
	if byteRange[2]-(byteRange[0]+byteRange[1]) < 2 {
		return NewSigningError(InvalidRange, fmt.Sprintf("byte range %v leaves no room for the placeholder", byteRange), nil)
	}
	return nil
}

// DigestByteRange streams the two regions named by byteRange from r into h.
func DigestByteRange(r io.ReaderAt, size int64, byteRange [4]int64, h hash.Hash) error {
	if err := ValidateByteRange(size, byteRange); err != nil {
		return err
	}
	for _, region := range [][2]int64{{byteRange[0], byteRange[1]}, {byteRange[2], byteRange[3]}} {
		if _, err := io.Copy(h, io.NewSectionReader(r, region[0], region[1])); err != nil {
			return NewSigningError(InvalidRange, "reading byte range", err)
		}
	}
	return nil
}

// ComputeByteRangeDigest hashes the bytes covered by byteRange with
// algorithm. The placeholder between the two regions is never read.
func ComputeByteRangeDigest(document []byte, byteRange [4]int64, algorithm crypto.Hash) ([]byte, error) {
	if !algorithm.Available() {
		return nil, NewSigningError(EncodingFailure, fmt.Sprintf("digest algorithm %v is not available", algorithm), nil)
	}
	h := algorithm.New()
	if err := DigestByteRange(bytes.NewReader(document), int64(len(document)), byteRange, h); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

// EmbedSignatureInBytes returns a copy of pdfBytes with signature written
// as uppercase hex into the /Contents placeholder between the two byte
// range regions. The hex is padded with '0' so the document length does not
// change. The input is never modified.
func EmbedSignatureInBytes(pdfBytes []byte, byteRange [4]int64, signature []byte) ([]byte, error) {
	if err := ValidateByteRange(int64(len(pdfBytes)), byteRange); err != nil {
		return nil, err
	}

	start := byteRange[0] + byteRange[1]
	end := byteRange[2]
	if pdfBytes[start] != '<' || pdfBytes[end-1] != '>' {
		return nil, NewSigningError(InvalidRange, fmt.Sprintf("no hex string placeholder at [%d:%d]", start, end), nil)
	}

	available := end - start - 2
	hexSig := strings.ToUpper(hex.EncodeToString(signature))
	if int64(len(hexSig)) > available {
		return nil, NewSigningError(PlaceholderOverflow,
			fmt.Sprintf("signature needs %d hex digits, placeholder holds %d", len(hexSig), available), nil)
	}

	result := make([]byte, len(pdfBytes))
	copy(result, pdfBytes)
	n := copy(result[start+1:], hexSig)
	for i := start + 1 + int64(n); i < end-1; i++ {
		result[i] = '0'
	}
	return result, nil
}

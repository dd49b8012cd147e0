// Package filters decodes PDF stream data for the filters the reader needs
// to walk cross-reference and object streams.
package filters

import (
	"bytes"
	"encoding/ascii85"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// Common errors
var (
	ErrUnsupportedFilter = errors.New("unsupported filter")
	ErrDecodeFailed      = errors.New("decode failed")
)

// Params holds the /DecodeParms entries used by the predictor functions.
// Zero values mean "absent" and take the PDF defaults.
type Params struct {
	Predictor        int
	Colors           int
	BitsPerComponent int
	Columns          int
}

// Filter decodes one stream filter.
type Filter interface {
	Decode(data []byte, params *Params) ([]byte, error)
	Name() string
}

// FlateDecodeFilter implements FlateDecode (zlib) with optional PNG
// predictors.
type FlateDecodeFilter struct{}

func (f *FlateDecodeFilter) Name() string { return "FlateDecode" }

func (f *FlateDecodeFilter) Decode(data []byte, params *Params) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	defer r.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	if params == nil || params.Predictor <= 1 {
		return buf.Bytes(), nil
	}
	return applyPredictor(buf.Bytes(), params)
}

// Encode compresses data with zlib. It is used to build test fixtures and
// compressed object streams.
func (f *FlateDecodeFilter) Encode(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("flate encode failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("flate encode failed: %w", err)
	}
	return buf.Bytes(), nil
}

func applyPredictor(data []byte, params *Params) ([]byte, error) {
	if params.Predictor < 10 {
		if params.Predictor == 2 {
			return nil, fmt.Errorf("%w: TIFF predictor", ErrUnsupportedFilter)
		}
		return data, nil
	}

	columns := max(params.Columns, 1)
	colors := max(params.Colors, 1)
	bpc := params.BitsPerComponent
	if bpc == 0 {
		bpc = 8
	}

	bytesPerPixel := max((colors*bpc+7)/8, 1)
	rowLength := (columns*colors*bpc+7)/8 + 1
	return decodePNGPredictor(data, rowLength, bytesPerPixel)
}

// decodePNGPredictor reverses per-row PNG filtering. Each row starts with a
// filter type byte.
func decodePNGPredictor(data []byte, rowLength, bytesPerPixel int) ([]byte, error) {
	if len(data)%rowLength != 0 {
		return nil, fmt.Errorf("%w: predictor data length %d is not a multiple of row length %d",
			ErrDecodeFailed, len(data), rowLength)
	}

	output := make([]byte, 0, len(data)/rowLength*(rowLength-1))
	prevRow := make([]byte, rowLength-1)
	decodedRow := make([]byte, rowLength-1)

	for i := 0; i < len(data); i += rowLength {
		row := data[i+1 : i+rowLength]
		for j := range row {
			var left, upLeft byte
			if j >= bytesPerPixel {
				left = decodedRow[j-bytesPerPixel]
				upLeft = prevRow[j-bytesPerPixel]
			}
			up := prevRow[j]

			switch data[i] {
			case 0:
				decodedRow[j] = row[j]
			case 1:
				decodedRow[j] = row[j] + left
			case 2:
				decodedRow[j] = row[j] + up
			case 3:
				decodedRow[j] = row[j] + byte((int(left)+int(up))/2)
			case 4:
				decodedRow[j] = row[j] + paethPredictor(left, up, upLeft)
			default:
				return nil, fmt.Errorf("%w: unknown PNG filter type %d", ErrDecodeFailed, data[i])
			}
		}
		output = append(output, decodedRow...)
		copy(prevRow, decodedRow)
	}

	return output, nil
}

func paethPredictor(a, b, c byte) byte {
	p := int(a) + int(b) - int(c)
	pa := abs(p - int(a))
	pb := abs(p - int(b))
	pc := abs(p - int(c))

	if pa <= pb && pa <= pc {
		return a
	} else if pb <= pc {
		return b
	}
	return c
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

// ASCIIHexDecodeFilter implements ASCIIHexDecode.
type ASCIIHexDecodeFilter struct{}

func (f *ASCIIHexDecodeFilter) Name() string { return "ASCIIHexDecode" }

func (f *ASCIIHexDecodeFilter) Decode(data []byte, _ *Params) ([]byte, error) {
	digits := make([]byte, 0, len(data))
	for _, c := range data {
		if c == '>' {
			break
		}
		if c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f' || c == 0 {
			continue
		}
		digits = append(digits, c)
	}
	if len(digits)%2 == 1 {
		digits = append(digits, '0')
	}
	out := make([]byte, len(digits)/2)
	if _, err := hex.Decode(out, digits); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	return out, nil
}

// ASCII85DecodeFilter implements ASCII85Decode.
type ASCII85DecodeFilter struct{}

func (f *ASCII85DecodeFilter) Name() string { return "ASCII85Decode" }

func (f *ASCII85DecodeFilter) Decode(data []byte, _ *Params) ([]byte, error) {
	data = bytes.TrimSpace(data)
	data = bytes.TrimPrefix(data, []byte("<~"))
	if i := bytes.Index(data, []byte("~>")); i >= 0 {
		data = data[:i]
	}
	out := make([]byte, 4*len(data)/5+4)
	n, _, err := ascii85.Decode(out, data, true)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	return out[:n], nil
}

// Registry maps filter names, including abbreviations, to implementations.
var Registry = map[string]Filter{
	"FlateDecode":    &FlateDecodeFilter{},
	"Fl":             &FlateDecodeFilter{},
	"ASCIIHexDecode": &ASCIIHexDecodeFilter{},
	"AHx":            &ASCIIHexDecodeFilter{},
	"ASCII85Decode":  &ASCII85DecodeFilter{},
	"A85":            &ASCII85DecodeFilter{},
}

// GetFilter returns a filter by name.
func GetFilter(name string) (Filter, error) {
	if f, ok := Registry[name]; ok {
		return f, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedFilter, name)
}

// DecodeStream applies filters in order. params may be shorter than filters.
func DecodeStream(data []byte, filters []string, params []*Params) ([]byte, error) {
	result := data
	for i, name := range filters {
		filter, err := GetFilter(name)
		if err != nil {
			return nil, err
		}
		var p *Params
		if i < len(params) {
			p = params[i]
		}
		result, err = filter.Decode(result, p)
		if err != nil {
			return nil, fmt.Errorf("filter %s decode failed: %w", name, err)
		}
	}
	return result, nil
}

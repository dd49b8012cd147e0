package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"

	"github.com/georgepadayatti/pdfsign/keys"
	"github.com/georgepadayatti/pdfsign/pdf/reader"
	"github.com/georgepadayatti/pdfsign/pdf/writer"
	"github.com/georgepadayatti/pdfsign/sign/cms"
	"github.com/georgepadayatti/pdfsign/sign/signers"
	"github.com/georgepadayatti/pdfsign/sign/timestamps"
)

// ErrInvalidSignatures is returned when at least one signature fails a check.
var ErrInvalidSignatures = errors.New("document contains invalid signatures")

// InspectCmd shows and checks the signatures of a PDF. Trust in the signer
// certificate is not evaluated.
type InspectCmd struct {
	Input   string `arg:"" help:"Signed PDF." type:"existingfile"`
	JSON    bool   `name:"json" help:"Output results in JSON format."`
	Verbose bool   `short:"v" help:"Show certificate details."`
}

// InspectOutput is the JSON form of an inspection.
type InspectOutput struct {
	File       string           `json:"file"`
	Size       int              `json:"size"`
	Signatures []*InspectResult `json:"signatures"`
}

// InspectResult describes one embedded signature.
type InspectResult struct {
	SignatureIndex  int                `json:"signature_index"`
	FieldName       string             `json:"field_name,omitempty"`
	Status          string             `json:"status"`
	ByteRange       [4]int64           `json:"byte_range"`
	CoversWholeFile bool               `json:"covers_whole_file"`
	SubFilter       string             `json:"sub_filter,omitempty"`
	DigestAlgorithm string             `json:"digest_algorithm,omitempty"`
	DigestValid     bool               `json:"digest_valid"`
	SignatureValid  bool               `json:"signature_valid"`
	SignerName      string             `json:"signer_name,omitempty"`
	Name            string             `json:"name,omitempty"`
	Reason          string             `json:"reason,omitempty"`
	Location        string             `json:"location,omitempty"`
	ContactInfo     string             `json:"contact_info,omitempty"`
	SigningTime     string             `json:"signing_time,omitempty"`
	TimestampTime   string             `json:"timestamp_time,omitempty"`
	Certificates    []*CertificateInfo `json:"certificates,omitempty"`
	Errors          []string           `json:"errors,omitempty"`
	Warnings        []string           `json:"warnings,omitempty"`
}

// CertificateInfo contains certificate information for JSON output.
type CertificateInfo struct {
	Subject   string `json:"subject"`
	Issuer    string `json:"issuer"`
	Serial    string `json:"serial"`
	NotBefore string `json:"not_before"`
	NotAfter  string `json:"not_after"`
	IsExpired bool   `json:"is_expired"`
	Key       string `json:"key"`
}

func (c *InspectCmd) Run(g *Globals) error {
	data, err := os.ReadFile(c.Input)
	if err != nil {
		return fmt.Errorf("failed to read input file: %w", err)
	}
	output, err := inspectPDF(data)
	if err != nil {
		return err
	}
	output.File = c.Input

	if c.JSON {
		encoder := json.NewEncoder(g.Stdout)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(output); err != nil {
			return fmt.Errorf("failed to encode JSON: %w", err)
		}
	} else {
		outputText(g.Stdout, output, c.Verbose)
	}

	for _, result := range output.Signatures {
		if result.Status == "INVALID" {
			return ErrInvalidSignatures
		}
	}
	return nil
}

// inspectPDF checks every embedded signature of data.
func inspectPDF(data []byte) (*InspectOutput, error) {
	pdfReader, err := reader.NewPdfFileReaderFromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("failed to read PDF: %w", err)
	}
	sigs, err := pdfReader.GetEmbeddedSignatures()
	if err != nil {
		return nil, fmt.Errorf("failed to read signatures: %w", err)
	}
	if len(sigs) == 0 {
		return nil, fmt.Errorf("no signatures found in the PDF")
	}

	output := &InspectOutput{Size: len(data)}
	for i, sig := range sigs {
		output.Signatures = append(output.Signatures, inspectSignature(i+1, len(data), sig))
	}
	return output, nil
}

func inspectSignature(index, size int, sig *reader.EmbeddedSignature) *InspectResult {
	result := &InspectResult{
		SignatureIndex:  index,
		FieldName:       sig.FieldName,
		ByteRange:       sig.ByteRange,
		CoversWholeFile: sig.CoversWholeFile(),
		SubFilter:       sig.SubFilter(),
		Name:            sig.Name(),
		Reason:          sig.Reason(),
		Location:        sig.Location(),
		ContactInfo:     sig.ContactInfo(),
		Status:          "INVALID",
	}
	if m := sig.SigningTime(); m != "" {
		if t, err := writer.ParsePDFDate(m); err == nil {
			result.SigningTime = t.UTC().Format(time.RFC3339)
		} else {
			result.Warnings = append(result.Warnings, fmt.Sprintf("unparseable /M date %q", m))
		}
	}

	if err := signers.ValidateRevisionByteRange(int64(size), sig.ByteRange); err != nil {
		result.Errors = append(result.Errors, err.Error())
		return result
	}
	if !result.CoversWholeFile {
		result.Warnings = append(result.Warnings, "signature does not cover the whole file")
	}

	info, err := cms.Inspect(sig.Contents)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		return result
	}
	result.DigestAlgorithm = info.DigestAlgorithm.String()
	if info.Signer != nil {
		result.SignerName = info.Signer.Subject.CommonName
	}
	now := time.Now()
	for _, cert := range info.Certificates {
		result.Certificates = append(result.Certificates, &CertificateInfo{
			Subject:   cert.Subject.String(),
			Issuer:    cert.Issuer.String(),
			Serial:    cert.SerialNumber.String(),
			NotBefore: cert.NotBefore.Format(time.RFC3339),
			NotAfter:  cert.NotAfter.Format(time.RFC3339),
			IsExpired: now.After(cert.NotAfter),
			Key:       describeKey(keys.GetKeyInfo(cert.PublicKey)),
		})
	}
	if result.SigningTime == "" && !info.SigningTime.IsZero() {
		result.SigningTime = info.SigningTime.UTC().Format(time.RFC3339)
	}

	signed, err := sig.SignedData()
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		return result
	}
	if err := info.CheckContent(signed); err != nil {
		result.Errors = append(result.Errors, err.Error())
	} else {
		result.DigestValid = true
	}
	if err := info.CheckSignature(); err != nil {
		result.Errors = append(result.Errors, err.Error())
	} else {
		result.SignatureValid = true
	}

	if info.TimestampToken != nil {
		if err := timestamps.VerifyTimestamp(info.TimestampToken, info.Signature); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("timestamp: %v", err))
		}
		if t, err := timestamps.GetGenTime(info.TimestampToken); err == nil {
			result.TimestampTime = t.UTC().Format(time.RFC3339)
		}
	}

	if len(result.Errors) == 0 {
		result.Status = "VALID"
		if len(result.Warnings) > 0 {
			result.Status = "WARNING"
		}
	}
	return result
}

func describeKey(info keys.KeyInfo) string {
	switch {
	case info.BitSize > 0:
		return fmt.Sprintf("%s %d", info.Algorithm, info.BitSize)
	case info.Curve != "":
		return fmt.Sprintf("%s %s", info.Algorithm, info.Curve)
	default:
		return info.Algorithm
	}
}

// outputText outputs the results in human-readable text format.
func outputText(w io.Writer, output *InspectOutput, verbose bool) {
	fmt.Fprintf(w, "PDF Signature Inspection\n")
	fmt.Fprintf(w, "========================\n\n")
	fmt.Fprintf(w, "Found %d signature(s)\n\n", len(output.Signatures))

	for _, result := range output.Signatures {
		fmt.Fprintf(w, "Signature #%d\n", result.SignatureIndex)
		fmt.Fprintf(w, "------------\n")
		fmt.Fprintf(w, "  Status: %s %s\n", getStatusIcon(result.Status), result.Status)

		if result.FieldName != "" {
			fmt.Fprintf(w, "  Field: %s\n", result.FieldName)
		}
		fmt.Fprintf(w, "  Byte Range: %v\n", result.ByteRange)
		fmt.Fprintf(w, "  Digest: %s\n", boolToStatus(result.DigestValid))
		fmt.Fprintf(w, "  Signature: %s\n", boolToStatus(result.SignatureValid))
		if result.DigestAlgorithm != "" {
			fmt.Fprintf(w, "  Digest Algorithm: %s\n", result.DigestAlgorithm)
		}
		if result.SignerName != "" {
			fmt.Fprintf(w, "  Signer: %s\n", result.SignerName)
		}
		if result.SigningTime != "" {
			fmt.Fprintf(w, "  Signing Time: %s\n", result.SigningTime)
		}
		if result.TimestampTime != "" {
			fmt.Fprintf(w, "  Timestamp: %s\n", result.TimestampTime)
		}
		if result.Reason != "" {
			fmt.Fprintf(w, "  Reason: %s\n", result.Reason)
		}
		if result.Location != "" {
			fmt.Fprintf(w, "  Location: %s\n", result.Location)
		}

		if verbose {
			for i, cert := range result.Certificates {
				fmt.Fprintf(w, "\n  Certificate %d:\n", i+1)
				fmt.Fprintf(w, "    Subject: %s\n", cert.Subject)
				fmt.Fprintf(w, "    Issuer: %s\n", cert.Issuer)
				fmt.Fprintf(w, "    Serial: %s\n", cert.Serial)
				fmt.Fprintf(w, "    Valid: %s to %s\n", cert.NotBefore, cert.NotAfter)
				fmt.Fprintf(w, "    Key: %s\n", cert.Key)
				if cert.IsExpired {
					fmt.Fprintf(w, "    WARNING: Certificate is expired!\n")
				}
			}
		}

		if len(result.Errors) > 0 {
			fmt.Fprintf(w, "\n  Errors:\n")
			for _, e := range result.Errors {
				fmt.Fprintf(w, "    - %s\n", e)
			}
		}
		if len(result.Warnings) > 0 {
			fmt.Fprintf(w, "\n  Warnings:\n")
			for _, warning := range result.Warnings {
				fmt.Fprintf(w, "    - %s\n", warning)
			}
		}
		fmt.Fprintln(w)
	}
}

// getStatusIcon returns a colored icon for the status.
func getStatusIcon(status string) string {
	switch status {
	case "VALID":
		return color.GreenString("[OK]")
	case "INVALID":
		return color.RedString("[FAIL]")
	case "WARNING":
		return color.YellowString("[WARN]")
	default:
		return "[?]"
	}
}

// boolToStatus converts a boolean to a status string.
func boolToStatus(b bool) string {
	if b {
		return "OK"
	}
	return "FAILED"
}

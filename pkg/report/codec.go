package report

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// Header is the first line of every encoded report.
var Header = []string{"ordinal", "unit", "source", "finding_id", "severity", "summary", "status"}

// ErrMalformed is returned when an encoded report cannot be decoded.
var ErrMalformed = errors.New("malformed report")

// Codec defines how a report is serialized and deserialized.
type Codec interface {
	// Encode renders the report.
	Encode(r *Report) ([]byte, error)
	// Decode parses an encoded report.
	Decode(data []byte) (*Report, error)
	// Extension returns the file extension for this codec (e.g., ".csv").
	Extension() string
}

// CSVCodec implements Codec as RFC 4180 CSV with a fixed header.
type CSVCodec struct{}

// Encode implements Codec.Encode.
func (CSVCodec) Encode(r *Report) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(Header); err != nil {
		return nil, fmt.Errorf("csv encode header: %w", err)
	}
	for _, row := range r.rows {
		record := []string{
			strconv.Itoa(row.Ordinal),
			row.Unit,
			row.Source,
			row.FindingID,
			row.Severity,
			row.Summary,
			row.Status,
		}
		if err := w.Write(record); err != nil {
			return nil, fmt.Errorf("csv encode: %w", err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("csv flush: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode implements Codec.Decode. The decoded rows are taken as-is; call
// Validate to check their structure.
func (CSVCodec) Decode(data []byte) (*Report, error) {
	rd := csv.NewReader(bytes.NewReader(data))
	rd.FieldsPerRecord = len(Header)

	header, err := rd.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: missing header", ErrMalformed)
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	for i, col := range Header {
		if header[i] != col {
			return nil, fmt.Errorf("%w: header column %d is %q, want %q", ErrMalformed, i+1, header[i], col)
		}
	}

	r := New()
	for {
		record, err := rd.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}

		ordinal, err := strconv.Atoi(record[0])
		if err != nil {
			line, _ := rd.FieldPos(0)
			return nil, fmt.Errorf("%w: line %d: ordinal %q", ErrMalformed, line, record[0])
		}

		r.rows = append(r.rows, Row{
			Ordinal:   ordinal,
			Unit:      record[1],
			Source:    record[2],
			FindingID: record[3],
			Severity:  record[4],
			Summary:   record[5],
			Status:    record[6],
		})
	}

	return r, nil
}

// Extension implements Codec.Extension.
func (CSVCodec) Extension() string {
	return ".csv"
}

// Hash returns the hex-encoded SHA-256 of an encoded document.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

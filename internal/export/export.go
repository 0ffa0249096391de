// Package export renders the CSV result of a completed request.
package export

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/dunamismax/pixelbatch/internal/domain"
)

const ContentType = "text/csv; charset=utf-8"

var header = []string{"S. No.", "Product Name", "Input Image Urls", "Output Image Urls"}

// Build renders one row per product in the given order. URL lists are
// comma-joined and always quoted; other fields are quoted only when needed.
func Build(products []domain.Product) []byte {
	var buf bytes.Buffer

	writeRow(&buf, header, false)
	for _, p := range products {
		writeRow(&buf, []string{
			strconv.Itoa(p.SerialNumber),
			p.Name,
			strings.Join(p.InputURLs, ","),
			strings.Join(p.OutputURLs, ","),
		}, true)
	}
	return buf.Bytes()
}

func writeRow(buf *bytes.Buffer, fields []string, quoteURLs bool) {
	for i, field := range fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		if (quoteURLs && i >= 2) || needsQuotes(field) {
			buf.WriteByte('"')
			buf.WriteString(strings.ReplaceAll(field, `"`, `""`))
			buf.WriteByte('"')
			continue
		}
		buf.WriteString(field)
	}
	buf.WriteString("\r\n")
}

func needsQuotes(field string) bool {
	if field == "" {
		return false
	}
	if field[0] == ' ' || field[0] == '\t' {
		return true
	}
	return strings.ContainsAny(field, "\",\r\n")
}

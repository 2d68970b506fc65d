// Package listing loads the exchange master files that map Korean stock
// names to 6-digit codes, and serves exact and fuzzy lookups over them.
package listing

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding/korean"
)

// Master-file row layout: the last 228 columns are fixed-width numeric
// fields, the leading 9 columns carry the shortened code, and the name
// starts at column 21 of what remains.
const (
	codeWidth     = 9
	nameOffset    = 21
	trailingWidth = 228
)

// ParseMaster decodes a CP949 master file and returns a name -> code table.
// Rows too short to carry a name, or without any digit in the code field,
// are skipped.
func ParseMaster(raw []byte) (map[string]string, error) {
	decoded, err := korean.EUCKR.NewDecoder().Bytes(raw)
	if err != nil {
		return nil, fmt.Errorf("decode master file: %w", err)
	}

	table := make(map[string]string)
	for _, line := range strings.Split(string(decoded), "\n") {
		line = strings.TrimRight(line, "\r")
		code, name, ok := parseRow(line)
		if !ok {
			continue
		}
		table[name] = code
	}
	return table, nil
}

func parseRow(line string) (code, name string, ok bool) {
	r := []rune(line)
	if len(r) <= trailingWidth+nameOffset {
		return "", "", false
	}
	head := r[:len(r)-trailingWidth]

	var digits strings.Builder
	for _, c := range head[:codeWidth] {
		if c >= '0' && c <= '9' {
			digits.WriteRune(c)
		}
	}
	code = digits.String()
	if code == "" || len(code) > 6 {
		return "", "", false
	}
	for len(code) < 6 {
		code = "0" + code
	}

	name = strings.TrimSpace(string(head[nameOffset:]))
	if name == "" {
		return "", "", false
	}
	return code, name, true
}

// ParseArchive extracts every file in a zipped master archive and merges
// their tables.
func ParseArchive(raw []byte) (map[string]string, error) {
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, fmt.Errorf("open master archive: %w", err)
	}

	table := make(map[string]string)
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", f.Name, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", f.Name, err)
		}
		part, err := ParseMaster(data)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", f.Name, err)
		}
		for name, code := range part {
			table[name] = code
		}
	}
	return table, nil
}

package ingest

import (
	"encoding/csv"
	"regexp"
	"strings"
	"sync"

	"proctorguard/internal/normalize"
)

var reKV = regexp.MustCompile(`(?i)([a-z_]+)=("[^"]*"|[^\s]+)`)

var defaultCSVColumns = []string{"timestamp", "session_id", "kind", "key", "x", "y", "button", "pressed"}

// Parser decodes line-oriented input: JSON objects, CSV records or
// key=value text.
type Parser struct {
	validator *Validator
	csv       *CSVParser
}

func NewParser(validator *Validator) *Parser {
	return &Parser{validator: validator, csv: NewCSVParser()}
}

func (p *Parser) ParseLine(line string) (*normalize.EventFields, error) {
	trim := strings.TrimSpace(line)
	if trim == "" {
		return nil, nil
	}
	if looksLikeJSON(trim) {
		fields, err := p.parseJSON(trim)
		if err != nil {
			return nil, err
		}
		fields.Raw = line
		return fields, nil
	}
	if strings.Contains(trim, ",") && !strings.Contains(trim, "=") {
		fields, err := p.csv.Parse(trim)
		if err != nil {
			return nil, err
		}
		if fields == nil {
			return nil, nil
		}
		fields.Raw = line
		return fields, nil
	}
	fields := parsePlain(trim)
	fields.Raw = line
	return fields, nil
}

func (p *Parser) parseJSON(line string) (*normalize.EventFields, error) {
	obj, err := DecodeJSONObject([]byte(line))
	if err != nil {
		return nil, err
	}
	if err := p.validator.Validate(obj); err != nil {
		return nil, err
	}
	return ParseJSONMap(obj), nil
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func parsePlain(line string) *normalize.EventFields {
	fields := &normalize.EventFields{Extras: map[string]string{}}
	for _, match := range reKV.FindAllStringSubmatch(line, -1) {
		fields.Extras[strings.ToLower(match[1])] = strings.Trim(match[2], `"`)
	}
	assignFromMap(fields, fields.Extras)
	return fields
}

func firstNonEmpty(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(m[k]); v != "" {
			return v
		}
	}
	return ""
}

// CSVParser remembers the first header row it sees. Without a header,
// columns follow defaultCSVColumns.
type CSVParser struct {
	mu     sync.Mutex
	header []string
}

func NewCSVParser() *CSVParser {
	return &CSVParser{}
}

func (p *CSVParser) Parse(line string) (*normalize.EventFields, error) {
	r := csv.NewReader(strings.NewReader(line))
	r.TrimLeadingSpace = true
	record, err := r.Read()
	if err != nil {
		return nil, err
	}
	if len(record) == 0 {
		return nil, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.header == nil && looksLikeHeader(record) {
		p.header = normalizeHeader(record)
		return nil, nil
	}
	columns := p.header
	if columns == nil {
		columns = defaultCSVColumns
	}
	values := make(map[string]string, len(columns))
	for i, name := range columns {
		if i >= len(record) {
			break
		}
		values[name] = record[i]
	}
	fields := &normalize.EventFields{Extras: values}
	assignFromMap(fields, values)
	return fields, nil
}

func looksLikeHeader(record []string) bool {
	for _, v := range record {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "timestamp", "time", "ts", "session_id", "session", "kind", "event":
			return true
		}
	}
	return false
}

func normalizeHeader(record []string) []string {
	out := make([]string, len(record))
	for i, v := range record {
		out[i] = strings.ToLower(strings.TrimSpace(v))
	}
	return out
}

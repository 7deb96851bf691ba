package citations

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/ashita-ai/shirabe/internal/model"
)

// EncodePool renders citation records as a line-oriented JSONL pool, one
// record per normalized URL, sorted by URL. Appending later corrections is
// cheap; loading keeps the last record per URL as authoritative.
func EncodePool(records []model.CitationRecord) ([]byte, error) {
	sorted := make([]model.CitationRecord, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].URL < sorted[j].URL })

	var buf bytes.Buffer
	for _, rec := range sorted {
		line, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("citations: marshal pool record: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// DecodePool parses a JSONL pool. Records never mutate in place; a fresh
// record appended for the same URL supersedes the earlier one.
func DecodePool(data []byte) ([]model.CitationRecord, error) {
	byURL := make(map[string]model.CitationRecord)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec model.CitationRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("citations: parse pool record: %w", err)
		}
		byURL[rec.URL] = rec
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("citations: scan pool: %w", err)
	}

	records := make([]model.CitationRecord, 0, len(byURL))
	for _, rec := range byURL {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].URL < records[j].URL })
	return records, nil
}

// RenderReport produces the human-facing citation report in deterministic
// sorted order.
func RenderReport(records []model.CitationRecord) string {
	sorted := make([]model.CitationRecord, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].URL < sorted[j].URL })

	var b strings.Builder
	b.WriteString("# Citation report\n\n")
	for _, rec := range sorted {
		fmt.Fprintf(&b, "- [%s] %s", rec.Status, rec.URL)
		if rec.Title != "" {
			fmt.Fprintf(&b, " — %s", rec.Title)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

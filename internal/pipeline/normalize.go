package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/Moze54/smartSpider/internal/spider"
)

// timestampLayouts are the source formats canonicalized to RFC 3339.
var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006/01/02 15:04:05",
	"2006-01-02",
	"02 Jan 2006",
	time.RFC1123,
	time.RFC1123Z,
}

// NormalizeStage trims whitespace and canonicalizes timestamp and numeric
// field values.
type NormalizeStage struct{}

// NewNormalizeStage builds a NormalizeStage.
func NewNormalizeStage() *NormalizeStage {
	return &NormalizeStage{}
}

// Name implements Stage.
func (s *NormalizeStage) Name() string { return "normalize" }

// Process rewrites every field value in place.
func (s *NormalizeStage) Process(_ context.Context, item spider.Item) (spider.Item, error) {
	normalized := make(map[string]string, len(item.Fields))
	for k, v := range item.Fields {
		normalized[k] = normalizeValue(v)
	}
	item.Fields = normalized
	return item, nil
}

func normalizeValue(v string) string {
	v = strings.Join(strings.Fields(v), " ")

	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, v); err == nil {
			return ts.UTC().Format(time.RFC3339)
		}
	}

	if n, ok := normalizeNumber(v); ok {
		return n
	}
	return v
}

// normalizeNumber strips thousands separators from plain numeric values
// ("1,234.50" -> "1234.50").
func normalizeNumber(v string) (string, bool) {
	if v == "" || !strings.Contains(v, ",") {
		return "", false
	}
	stripped := strings.ReplaceAll(v, ",", "")
	for i, r := range stripped {
		switch {
		case r >= '0' && r <= '9':
		case r == '.':
		case r == '-' && i == 0:
		default:
			return "", false
		}
	}
	return stripped, true
}

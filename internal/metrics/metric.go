package metrics

import (
	"bytes"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Kind is the statsd type of a metric.
type Kind string

const (
	Counter      Kind = "c"
	Gauge        Kind = "g"
	Distribution Kind = "d"
	Set          Kind = "s"
)

// Metric is one sample.
type Metric struct {
	Name      string
	Kind      Kind
	Value     float64
	Unit      string
	Tags      map[string]string
	Timestamp time.Time
}

var (
	unitPattern   = regexp.MustCompile(`\W+`)
	namePattern   = regexp.MustCompile(`[^\w\-.]+`)
	tagKeyPattern = regexp.MustCompile(`[^\w\-./]+`)

	tagValueReplacer = strings.NewReplacer(
		"\n", `\n`,
		"\r", `\r`,
		"\t", `\t`,
		`\`, `\\`,
		"|", `\u{7c}`,
		",", `\u{2c}`,
	)
)

// SanitizeName replaces runs of characters not allowed in metric names.
func SanitizeName(name string) string { return namePattern.ReplaceAllString(name, "_") }

// SanitizeUnit strips characters not allowed in units.
func SanitizeUnit(unit string) string { return unitPattern.ReplaceAllString(unit, "") }

// SanitizeTagKey strips characters not allowed in tag keys.
func SanitizeTagKey(key string) string { return tagKeyPattern.ReplaceAllString(key, "") }

// SanitizeTagValue escapes characters with a meaning in the statsd format.
func SanitizeTagValue(value string) string { return tagValueReplacer.Replace(value) }

// EncodeStatsd renders metrics in the statsd line format, one metric per line:
//
//	name@unit:value|type|#tag:value,...|T<unix seconds>
func EncodeStatsd(batch []Metric) []byte {
	var buf bytes.Buffer
	for i, m := range batch {
		if i > 0 {
			buf.WriteByte('\n')
		}
		buf.WriteString(SanitizeName(m.Name))
		buf.WriteByte('@')
		unit := SanitizeUnit(m.Unit)
		if unit == "" {
			unit = "none"
		}
		buf.WriteString(unit)
		buf.WriteByte(':')
		buf.WriteString(strconv.FormatFloat(m.Value, 'f', -1, 64))
		buf.WriteByte('|')
		kind := m.Kind
		if kind == "" {
			kind = Counter
		}
		buf.WriteString(string(kind))

		if len(m.Tags) > 0 {
			keys := make([]string, 0, len(m.Tags))
			for k := range m.Tags {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			buf.WriteString("|#")
			written := 0
			for _, k := range keys {
				key := SanitizeTagKey(k)
				if key == "" {
					continue
				}
				if written > 0 {
					buf.WriteByte(',')
				}
				buf.WriteString(key)
				buf.WriteByte(':')
				buf.WriteString(SanitizeTagValue(m.Tags[k]))
				written++
			}
		}

		if !m.Timestamp.IsZero() {
			buf.WriteString("|T")
			buf.WriteString(strconv.FormatInt(m.Timestamp.Unix(), 10))
		}
	}
	return buf.Bytes()
}

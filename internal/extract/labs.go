package extract

import (
	"regexp"
	"strings"

	"github.com/stellarlinkco/caseintake/internal/evidence"
)

// Hit is one recognised lab value.
type Hit struct {
	Panel string
	Value string
}

// Go's \b is ASCII-only, so the leading boundary is spelled out to keep
// Cyrillic analyte names matchable.
const labPrefix = `(?i)(?:^|[^\p{L}\p{N}_])`

var labPanels = []struct {
	name string
	re   *regexp.Regexp
}{
	{"cbc", regexp.MustCompile(labPrefix + `(?:Hb|Hemoglobin|Гемоглобин)\s*[:=]?\s*(\d+[.,]?\d*)\b`)},
	{"crp", regexp.MustCompile(labPrefix + `(?:CRP|СРБ)\s*[:=]?\s*(\d+[.,]?\d*)\b`)},
	{"creatinine", regexp.MustCompile(labPrefix + `(?:Creatinine|Креатинин)\s*[:=]?\s*(\d+[.,]?\d*)\b`)},
}

// LabPanels finds known analytes in text, panel by panel in a fixed order.
// Decimal commas are rewritten to dots.
func LabPanels(text string) []Hit {
	text = evidence.NormalizeText(text)
	var hits []Hit
	for _, p := range labPanels {
		for _, m := range p.re.FindAllStringSubmatch(text, -1) {
			hits = append(hits, Hit{Panel: p.name, Value: strings.ReplaceAll(m[1], ",", ".")})
		}
	}
	return hits
}

// FormatHits renders hits as "name=value; name=value".
func FormatHits(hits []Hit) string {
	parts := make([]string, len(hits))
	for i, h := range hits {
		parts[i] = h.Panel + "=" + h.Value
	}
	return strings.Join(parts, "; ")
}

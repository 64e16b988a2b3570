package oracle

import (
	"encoding/xml"
	"fmt"
	"regexp"
	"strings"
)

// decisionXML is the wire shape reviewer models answer with. Fields the
// chosen action does not use stay empty.
type decisionXML struct {
	XMLName  xml.Name `xml:"decision"`
	Action   string   `xml:"action"`
	K        int      `xml:"k"`
	TargetID string   `xml:"target_id"`
	Label    string   `xml:"label"`
	Items    string   `xml:"items"`
}

// bareAmp matches & characters that do not start a recognized XML entity.
// Models routinely emit labels like "shipping & returns" inside the block.
var bareAmp = regexp.MustCompile(`&(?:amp;|lt;|gt;|quot;|apos;|#\d+;)?`)

// ParseDecision extracts the <decision> block from a raw model response
// and decodes it. Stray prose around the block is tolerated; unescaped
// ampersands inside it are repaired before decoding. Any failure wraps
// ErrMalformed.
func ParseDecision(raw string) (Decision, error) {
	block, err := extractBlock(raw)
	if err != nil {
		return Decision{}, err
	}

	var dx decisionXML
	if err := xml.Unmarshal([]byte(repairAmpersands(block)), &dx); err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	dec := Decision{
		Kind:     Kind(strings.ToLower(strings.TrimSpace(dx.Action))),
		K:        dx.K,
		TargetID: strings.TrimSpace(dx.TargetID),
		Label:    strings.TrimSpace(dx.Label),
	}
	for _, id := range strings.Split(dx.Items, ",") {
		if id = strings.TrimSpace(id); id != "" {
			dec.ItemIDs = append(dec.ItemIDs, id)
		}
	}
	return dec, nil
}

func extractBlock(raw string) (string, error) {
	start := strings.Index(raw, "<decision>")
	if start < 0 {
		return "", fmt.Errorf("%w: no <decision> block in response", ErrMalformed)
	}
	end := strings.Index(raw[start:], "</decision>")
	if end < 0 {
		return "", fmt.Errorf("%w: unterminated <decision> block", ErrMalformed)
	}
	return raw[start : start+end+len("</decision>")], nil
}

// repairAmpersands escapes & characters that are not already part of an
// entity so encoding/xml accepts the block.
func repairAmpersands(s string) string {
	return bareAmp.ReplaceAllStringFunc(s, func(m string) string {
		if m == "&" {
			return "&amp;"
		}
		return m
	})
}

package oracle

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// DefaultGoal is used when the run configuration leaves the labeling
// objective empty.
const DefaultGoal = "Group user queries by business intent and produce high-quality categories with clear, human-meaningful labels."

const systemPrompt = `You are an expert data analyst reviewing one machine-generated cluster of user queries. Decide a single structural action for it and answer in the exact XML format requested. Never invent item or category ids.`

// buildPrompt renders the review request as the XML-framed prompt the
// reviewer model answers. The layout mirrors the request: goal, existing
// categories for assign targets, then the cluster and its sampled members.
func buildPrompt(req Request) string {
	goal := req.Goal
	if strings.TrimSpace(goal) == "" {
		goal = DefaultGoal
	}

	var b strings.Builder
	b.WriteString("<high_level_goal>\n")
	b.WriteString(goal)
	b.WriteString("\n")
	if req.TargetRange != "" {
		fmt.Fprintf(&b, "Aim for %s final categories in total; only the split action can increase the count.\n", req.TargetRange)
	}
	b.WriteString("</high_level_goal>\n\n")

	b.WriteString("<existing_categories>\n")
	if len(req.Neighbors) == 0 {
		b.WriteString("  <!-- none yet -->\n")
	}
	for _, n := range req.Neighbors {
		fmt.Fprintf(&b, "  <category>\n    <id>%s</id>\n    <description>%s</description>\n    <query_count>%d</query_count>\n  </category>\n",
			xmlEscape(n.ID), xmlEscape(n.Description), n.Size)
	}
	b.WriteString("</existing_categories>\n\n")

	c := req.Cluster
	fmt.Fprintf(&b, "<cluster_under_review id=%q depth=\"%d\" query_count=\"%d\">\n", c.ID, c.Depth, c.Size)
	fmt.Fprintf(&b, "  <description>%s</description>\n", xmlEscape(c.Description))
	b.WriteString("  <sample_queries>\n")
	for _, it := range c.Items {
		fmt.Fprintf(&b, "    <query id=%q>%s</query>\n", it.ID, xmlEscape(truncate(it.Text, 120)))
	}
	b.WriteString("  </sample_queries>\n")
	b.WriteString("</cluster_under_review>\n\n")

	b.WriteString("<instruction>\nChoose exactly ONE action for this cluster:\n")
	b.WriteString("- keep: the cluster is semantically coherent and its description fits. No other fields.\n")
	if c.SplitAllowed {
		b.WriteString("- split: the cluster mixes two or more distinct intents. Provide <k>: the number of groups, slightly larger than the number of themes you can name.\n")
	}
	if len(req.Neighbors) > 0 {
		b.WriteString("- assign: members belong to one of the existing categories above. Provide <target_id>. To move only some members, list their ids in <items> (comma-separated, ids from the samples above); omit <items> to move the whole cluster. Optionally provide <label> to refresh the target's description.\n")
	}
	b.WriteString("- create: a coherent intent deserves its own new category. Provide <label>: a rich description with concrete example phrasings. To promote only a subset, list their ids in <items>; omit <items> to promote the whole cluster.\n")
	b.WriteString("</instruction>\n\n")

	b.WriteString(`<format_requirements>
Respond with a single XML block and nothing else:

<decision>
  <action>keep|split|assign|create</action>
  <k>3</k>
  <target_id>c-002</target_id>
  <label>Delivery status questions - tracking, delays, courier updates. Examples: where is my parcel, why is shipping late</label>
  <items>q-0004,q-0011</items>
</decision>

Include only the fields your chosen action requires.
</format_requirements>`)

	return b.String()
}

func xmlEscape(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return r.Replace(s)
}

// truncate cuts s after max bytes without splitting a rune.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

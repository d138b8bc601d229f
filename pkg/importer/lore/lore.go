// Package lore implements the deterministic Markdown-with-YAML-front-matter
// chunking used by the importer's lore phase (spec §4.6e). Splitting
// mirrors the original source's lore_chunker.py: primary split on headings
// of level >= 2, secondary split by a token-budget-approximated character
// budget preferring paragraph then sentence boundaries, with a minimum
// chunk size floor to avoid pathologically small trailing chunks.
package lore

import (
	"bufio"
	"fmt"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

// FrontMatter is the required YAML block at the top of every lore file.
type FrontMatter struct {
	ChunkID       string   `yaml:"chunk_id"`
	Title         string   `yaml:"title"`
	Audience      string   `yaml:"audience"`
	Tags          []string `yaml:"tags"`
	EmbeddingHint string   `yaml:"embedding_hint"`
	Provenance    string   `yaml:"provenance"`
}

// DefaultBudgetChars approximates a ~2000 token section budget.
const DefaultBudgetChars = 8000

// DefaultMinChunkChars is the floor below which a trailing chunk is
// merged into its predecessor rather than emitted standalone.
const DefaultMinChunkChars = 200

// frontMatterDelim is the YAML front-matter fence used by every lore file.
const frontMatterDelim = "---"

// ParseFrontMatter splits raw into its YAML front-matter block and
// Markdown body. The file must open with a "---" line, a YAML document,
// and a closing "---" line.
func ParseFrontMatter(raw []byte) (FrontMatter, string, error) {
	text := string(raw)
	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	if !scanner.Scan() {
		return FrontMatter{}, "", fmt.Errorf("lore: empty file")
	}
	if strings.TrimSpace(scanner.Text()) != frontMatterDelim {
		return FrontMatter{}, "", fmt.Errorf("lore: missing opening front-matter fence")
	}

	var yamlLines []string
	closed := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == frontMatterDelim {
			closed = true
			break
		}
		yamlLines = append(yamlLines, line)
	}
	if !closed {
		return FrontMatter{}, "", fmt.Errorf("lore: missing closing front-matter fence")
	}

	var fm FrontMatter
	if err := yaml.Unmarshal([]byte(strings.Join(yamlLines, "\n")), &fm); err != nil {
		return FrontMatter{}, "", fmt.Errorf("lore: parse front matter: %w", err)
	}

	var bodyLines []string
	for scanner.Scan() {
		bodyLines = append(bodyLines, scanner.Text())
	}
	body := strings.Join(bodyLines, "\n")
	return fm, strings.TrimSpace(body), nil
}

// Section is one heading-delimited slice of the body, prior to
// token-budget splitting.
type Section struct {
	Heading string
	Body    string
}

// splitSections separates body on ATX headings of level >= 2 ("## " or
// deeper). Content before the first qualifying heading, if any, forms an
// anonymous leading section.
func splitSections(body string) []Section {
	lines := strings.Split(body, "\n")
	var sections []Section
	var current Section

	flush := func() {
		if strings.TrimSpace(current.Body) != "" {
			sections = append(sections, current)
		}
		current = Section{}
	}

	for _, line := range lines {
		if isSubheading(line) {
			flush()
			current.Heading = strings.TrimSpace(strings.TrimLeft(line, "#"))
			continue
		}
		current.Body += line + "\n"
	}
	flush()

	if len(sections) == 0 {
		return []Section{{Body: body}}
	}
	return sections
}

func isSubheading(line string) bool {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "##") {
		return false
	}
	level := 0
	for _, r := range trimmed {
		if r != '#' {
			break
		}
		level++
	}
	return level >= 2
}

// Split divides body into ordered chunk contents, applying the primary
// heading split then the secondary budget-bounded split within each
// section. budgetChars and minChunkChars of <= 0 fall back to the
// package defaults.
func Split(body string, budgetChars, minChunkChars int) []string {
	if budgetChars <= 0 {
		budgetChars = DefaultBudgetChars
	}
	if minChunkChars <= 0 {
		minChunkChars = DefaultMinChunkChars
	}

	var out []string
	for _, section := range splitSections(body) {
		text := strings.TrimSpace(section.Body)
		if text == "" {
			continue
		}
		if section.Heading != "" {
			text = "## " + section.Heading + "\n\n" + text
		}
		out = append(out, splitByBudget(text, budgetChars, minChunkChars)...)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// splitByBudget greedily packs paragraphs (blank-line separated) into
// chunks no larger than budgetChars; a paragraph exceeding the budget by
// itself is further split on sentence boundaries. A trailing chunk
// smaller than minChunkChars is merged into its predecessor.
func splitByBudget(text string, budgetChars, minChunkChars int) []string {
	if len(text) <= budgetChars {
		return []string{text}
	}

	paragraphs := strings.Split(text, "\n\n")
	var chunks []string
	var current strings.Builder

	appendChunk := func() {
		if current.Len() > 0 {
			chunks = append(chunks, strings.TrimSpace(current.String()))
			current.Reset()
		}
	}

	for _, para := range paragraphs {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if len(para) > budgetChars {
			appendChunk()
			chunks = append(chunks, splitSentences(para, budgetChars)...)
			continue
		}
		if current.Len() > 0 && current.Len()+2+len(para) > budgetChars {
			appendChunk()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
	}
	appendChunk()

	if len(chunks) >= 2 && len(chunks[len(chunks)-1]) < minChunkChars {
		last := chunks[len(chunks)-1]
		chunks = chunks[:len(chunks)-1]
		chunks[len(chunks)-1] = chunks[len(chunks)-1] + "\n\n" + last
	}

	return chunks
}

// splitSentences packs sentence-terminated spans into budget-sized
// chunks as a last resort for paragraphs too large to keep whole. A single
// sentence longer than budgetChars is cut at the last rune boundary within
// the budget.
func splitSentences(para string, budgetChars int) []string {
	sentences := splitOnSentenceBoundaries(para)
	var pieces []string
	for _, s := range sentences {
		for len(s) > budgetChars {
			cut := budgetChars
			for cut > 1 && !utf8.RuneStart(s[cut]) {
				cut--
			}
			pieces = append(pieces, s[:cut])
			s = strings.TrimSpace(s[cut:])
		}
		pieces = append(pieces, s)
	}
	var chunks []string
	var current strings.Builder

	for _, s := range pieces {
		if current.Len() > 0 && current.Len()+1+len(s) > budgetChars {
			chunks = append(chunks, strings.TrimSpace(current.String()))
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteString(" ")
		}
		current.WriteString(s)
	}
	if current.Len() > 0 {
		chunks = append(chunks, strings.TrimSpace(current.String()))
	}
	return chunks
}

func splitOnSentenceBoundaries(s string) []string {
	var out []string
	start := 0
	for i, r := range s {
		if r == '.' || r == '!' || r == '?' {
			end := i + 1
			if end <= len(s) {
				out = append(out, strings.TrimSpace(s[start:end]))
				start = end
			}
		}
	}
	if start < len(s) {
		rest := strings.TrimSpace(s[start:])
		if rest != "" {
			out = append(out, rest)
		}
	}
	return out
}

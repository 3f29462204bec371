package anonymize

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"html"
	"io"
	"regexp"
	"sort"
	"strings"
)

// Substitution replaces every occurrence of Original with Replacement.
type Substitution struct {
	Original    string
	Replacement string
}

var (
	reDocxPart      = regexp.MustCompile(`^word/(document|header\d*|footer\d*|footnotes|endnotes)\.xml$`)
	reDocxParagraph = regexp.MustCompile(`(?s)<w:p[ >].*?</w:p>`)
	reDocxText      = regexp.MustCompile(`(?s)<w:t(?:\s[^>]*)?>(.*?)</w:t>`)
)

// RewriteDOCX applies substitutions to the text runs of a DOCX package. It
// returns the rewritten package and the originals it could not remove: values
// that matched nowhere, or that are still readable in a part afterwards.
// Matching happens on whole paragraphs, so a value split across runs is still
// found; the replacement lands in the run where the value starts.
func RewriteDOCX(data []byte, subs []Substitution) ([]byte, []string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, nil, fmt.Errorf("open docx: %w", err)
	}

	subs = normalizeSubs(subs)
	var out bytes.Buffer
	zw := zip.NewWriter(&out)
	replaced := make([]int, len(subs))
	residual := make([]bool, len(subs))

	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			return nil, nil, fmt.Errorf("open %s: %w", f.Name, err)
		}
		body, err := io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			return nil, nil, fmt.Errorf("read %s: %w", f.Name, err)
		}

		if reDocxPart.MatchString(f.Name) {
			body = rewriteParagraphs(body, subs, replaced)
			text := partText(body)
			for i, sub := range subs {
				if strings.Contains(text, sub.Original) && !strings.Contains(sub.Replacement, sub.Original) {
					residual[i] = true
				}
			}
		}

		hdr := f.FileHeader
		w, err := zw.CreateHeader(&hdr)
		if err != nil {
			return nil, nil, fmt.Errorf("write %s: %w", f.Name, err)
		}
		if _, err := w.Write(body); err != nil {
			return nil, nil, fmt.Errorf("write %s: %w", f.Name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, nil, fmt.Errorf("close docx: %w", err)
	}

	var missed []string
	for i, sub := range subs {
		if replaced[i] == 0 || residual[i] {
			missed = append(missed, sub.Original)
		}
	}
	return out.Bytes(), missed, nil
}

// partText is the visible text of a part with run and paragraph borders removed.
func partText(part []byte) string {
	var sb strings.Builder
	for _, m := range reDocxText.FindAllSubmatch(part, -1) {
		sb.WriteString(html.UnescapeString(string(m[1])))
	}
	return sb.String()
}

// normalizeSubs drops empty originals and orders longer values first so a
// value containing another is replaced as a whole.
func normalizeSubs(subs []Substitution) []Substitution {
	seen := make(map[string]struct{}, len(subs))
	out := make([]Substitution, 0, len(subs))
	for _, s := range subs {
		if s.Original == "" {
			continue
		}
		if _, dup := seen[s.Original]; dup {
			continue
		}
		seen[s.Original] = struct{}{}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return len([]rune(out[i].Original)) > len([]rune(out[j].Original))
	})
	return out
}

type textRun struct {
	loc        []int // submatch indices into the paragraph
	start, end int   // character range in the paragraph text
}

type match struct {
	start, end int
	sub        int
}

// rewriteParagraphs rewrites every paragraph of a part, adding the number of
// replacements per substitution to replaced.
func rewriteParagraphs(part []byte, subs []Substitution, replaced []int) []byte {
	return reDocxParagraph.ReplaceAllFunc(part, func(p []byte) []byte {
		return rewriteParagraph(p, subs, replaced)
	})
}

func rewriteParagraph(p []byte, subs []Substitution, replaced []int) []byte {
	locs := reDocxText.FindAllSubmatchIndex(p, -1)
	if len(locs) == 0 {
		return p
	}

	var text []rune
	runs := make([]textRun, 0, len(locs))
	for _, loc := range locs {
		decoded := []rune(html.UnescapeString(string(p[loc[2]:loc[3]])))
		runs = append(runs, textRun{loc: loc, start: len(text), end: len(text) + len(decoded)})
		text = append(text, decoded...)
	}

	matches := findMatches(text, subs)
	if len(matches) == 0 {
		return p
	}
	for _, m := range matches {
		replaced[m.sub]++
	}

	var buf bytes.Buffer
	last := 0
	mi := 0
	for _, r := range runs {
		buf.Write(p[last:r.loc[0]])
		var sb strings.Builder
		for pos := r.start; pos < r.end; pos++ {
			for mi < len(matches) && matches[mi].end <= pos {
				mi++
			}
			if mi < len(matches) && pos >= matches[mi].start {
				if pos == matches[mi].start {
					sb.WriteString(subs[matches[mi].sub].Replacement)
				}
				continue
			}
			sb.WriteRune(text[pos])
		}
		buf.WriteString(`<w:t xml:space="preserve">`)
		_ = xml.EscapeText(&buf, []byte(sb.String()))
		buf.WriteString(`</w:t>`)
		last = r.loc[1]
	}
	buf.Write(p[last:])
	return buf.Bytes()
}

// findMatches scans left to right, taking the first (longest) substitution
// that matches at each position.
func findMatches(text []rune, subs []Substitution) []match {
	originals := make([][]rune, len(subs))
	for i, s := range subs {
		originals[i] = []rune(s.Original)
	}

	var out []match
	for pos := 0; pos < len(text); {
		matched := false
		for i, o := range originals {
			if pos+len(o) <= len(text) && runesEqual(text[pos:pos+len(o)], o) {
				out = append(out, match{start: pos, end: pos + len(o), sub: i})
				pos += len(o)
				matched = true
				break
			}
		}
		if !matched {
			pos++
		}
	}
	return out
}

func runesEqual(a, b []rune) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

package filesafety

import (
	"fmt"
	"strings"
)

// MarkerTag prefixes every managed section marker.
const MarkerTag = "aiready"

// CommentStyle selects how section markers are written.
type CommentStyle int

const (
	// HashComment writes "# BEGIN ..." markers (robots.txt, llms.txt, .htaccess).
	HashComment CommentStyle = iota

	// XMLComment writes "<!-- BEGIN ... -->" markers (web.config).
	XMLComment
)

// Section is a delimited block of content owned by the engine inside a file
// that may also hold operator content. Nothing outside the markers is touched.
type Section struct {
	// ID distinguishes sections of different endpoints in the same file.
	ID string

	// Style is the comment syntax of the host file.
	Style CommentStyle
}

// NewSection returns a section for id using the comment style of the file name.
func NewSection(id, fileName string) Section {
	style := HashComment
	if strings.HasSuffix(strings.ToLower(fileName), ".config") {
		style = XMLComment
	}
	return Section{ID: id, Style: style}
}

// Begin returns the opening marker line.
func (s Section) Begin() string {
	return s.marker("BEGIN")
}

// End returns the closing marker line.
func (s Section) End() string {
	return s.marker("END")
}

func (s Section) marker(word string) string {
	label := MarkerTag
	if s.ID != "" {
		label += " " + s.ID
	}
	if s.Style == XMLComment {
		return fmt.Sprintf("<!-- %s %s -->", word, label)
	}
	return fmt.Sprintf("# %s %s", word, label)
}

// Render returns the full delimited block for body.
func (s Section) Render(body string) string {
	body = strings.TrimRight(body, "\n")
	if body == "" {
		return s.Begin() + "\n" + s.End() + "\n"
	}
	return s.Begin() + "\n" + body + "\n" + s.End() + "\n"
}

// find returns the byte range of the block including the end marker's newline.
func (s Section) find(content string) (int, int, bool) {
	begin := indexLine(content, s.Begin(), 0)
	if begin < 0 {
		return 0, 0, false
	}
	end := indexLine(content, s.End(), begin)
	if end < 0 {
		return 0, 0, false
	}
	stop := end + len(s.End())
	if stop < len(content) && content[stop] == '\n' {
		stop++
	}
	return begin, stop, true
}

// Contains reports whether content holds this section.
func (s Section) Contains(content string) bool {
	_, _, ok := s.find(content)
	return ok
}

// Extract returns the body of the section.
func (s Section) Extract(content string) (string, bool) {
	start, stop, ok := s.find(content)
	if !ok {
		return "", false
	}
	block := content[start:stop]
	block = strings.TrimPrefix(block, s.Begin())
	block = strings.TrimSuffix(strings.TrimSuffix(block, "\n"), s.End())
	return strings.Trim(block, "\n"), true
}

// Upsert replaces the section body in place, or appends the section when it
// is missing.
func (s Section) Upsert(content, body string) string {
	return s.UpsertBefore(content, body, "")
}

// UpsertBefore behaves like Upsert but inserts a new section before the last
// occurrence of anchor when present (e.g. "</configuration>").
func (s Section) UpsertBefore(content, body, anchor string) string {
	block := s.Render(body)
	if start, stop, ok := s.find(content); ok {
		return content[:start] + block + content[stop:]
	}
	if anchor != "" {
		if i := strings.LastIndex(content, anchor); i >= 0 {
			head := content[:i]
			if head != "" && !strings.HasSuffix(head, "\n") {
				head += "\n"
			}
			return head + block + content[i:]
		}
	}
	if content == "" {
		return block
	}
	if !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return content + "\n" + block
}

// Remove splices the section out of content, undoing the separator Upsert
// added. It reports whether the section was present.
func (s Section) Remove(content string) (string, bool) {
	start, stop, ok := s.find(content)
	if !ok {
		return content, false
	}
	head, tail := content[:start], content[stop:]
	if tail == "" && strings.HasSuffix(head, "\n\n") {
		head = head[:len(head)-1]
	}
	return head + tail, true
}

// StripSections removes every engine-managed section from content.
func StripSections(content string) string {
	for {
		begin := strings.Index(content, "BEGIN "+MarkerTag)
		if begin < 0 {
			return content
		}
		lineStart := strings.LastIndex(content[:begin], "\n") + 1
		end := strings.Index(content[begin:], "END "+MarkerTag)
		if end < 0 {
			return content
		}
		end += begin
		lineEnd := strings.Index(content[end:], "\n")
		if lineEnd < 0 {
			content = content[:lineStart]
			continue
		}
		content = content[:lineStart] + content[end+lineEnd+1:]
	}
}

// indexLine finds line as a whole line of content at or after from.
func indexLine(content, line string, from int) int {
	for from <= len(content) {
		i := strings.Index(content[from:], line)
		if i < 0 {
			return -1
		}
		i += from
		startOK := i == 0 || content[i-1] == '\n'
		after := i + len(line)
		endOK := after == len(content) || content[after] == '\n' || content[after] == '\r'
		if startOK && endOK {
			return i
		}
		from = i + 1
	}
	return -1
}

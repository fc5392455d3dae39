package macro

import "strings"

// DynamicImportName is the injected function that replaces import().
const DynamicImportName = "dynamicImport"

// RewriteDynamicImports replaces every dynamic import( call with
// dynamicImport( so module loads go through the injected resolver.
// Occurrences inside strings, template text, comments and regular
// expression literals are left untouched.
func RewriteDynamicImports(src string) string {
	var b strings.Builder
	b.Grow(len(src))

	// templates holds, per open template literal, the brace depth at which
	// its current ${ substitution started.
	var templates []int
	depth := 0
	prev := byte(0) // last significant byte outside comments and whitespace
	prevWord := ""

	n := len(src)
	for i := 0; i < n; {
		c := src[i]
		switch {
		case c == '/' && i+1 < n && src[i+1] == '/':
			j := strings.IndexByte(src[i:], '\n')
			if j < 0 {
				j = n - i
			}
			b.WriteString(src[i : i+j])
			i += j
			continue

		case c == '/' && i+1 < n && src[i+1] == '*':
			j := strings.Index(src[i+2:], "*/")
			end := n
			if j >= 0 {
				end = i + 2 + j + 2
			}
			b.WriteString(src[i:end])
			i = end
			continue

		case c == '\'' || c == '"':
			end := skipQuoted(src, i, c)
			b.WriteString(src[i:end])
			i = end
			prev, prevWord = c, ""
			continue

		case c == '`':
			end, open := skipTemplate(src, i+1)
			b.WriteString(src[i:end])
			i = end
			if open {
				templates = append(templates, depth)
				depth++
			}
			prev, prevWord = '`', ""
			continue

		case c == '/' && regexAllowed(prev, prevWord):
			end := skipRegex(src, i)
			b.WriteString(src[i:end])
			i = end
			prev, prevWord = '/', ""
			continue

		case c == '{':
			depth++

		case c == '}':
			depth--
			if k := len(templates); k > 0 && depth == templates[k-1] {
				templates = templates[:k-1]
				end, open := skipTemplate(src, i+1)
				b.WriteString(src[i:end])
				i = end
				if open {
					templates = append(templates, depth)
					depth++
				}
				prev, prevWord = '`', ""
				continue
			}

		case isIdentStart(c):
			j := i + 1
			for j < n && isIdentPart(src[j]) {
				j++
			}
			word := src[i:j]
			if word == "import" && prev != '.' {
				k := j
				for k < n && (src[k] == ' ' || src[k] == '\t' || src[k] == '\n') {
					k++
				}
				if k < n && src[k] == '(' {
					word = DynamicImportName
				}
			}
			b.WriteString(word)
			i = j
			prev, prevWord = 'a', word
			continue
		}

		b.WriteByte(c)
		if c != ' ' && c != '\t' && c != '\n' && c != '\r' {
			prev, prevWord = c, ""
		}
		i++
	}
	return b.String()
}

// skipQuoted returns the index just past the string literal starting at i.
func skipQuoted(src string, i int, quote byte) int {
	for j := i + 1; j < len(src); j++ {
		switch src[j] {
		case '\\':
			j++
		case quote, '\n':
			return j + 1
		}
	}
	return len(src)
}

// skipTemplate scans template text starting at i. It returns the index just
// past the closing backtick, or just past a "${" with open set.
func skipTemplate(src string, i int) (end int, open bool) {
	for j := i; j < len(src); j++ {
		switch src[j] {
		case '\\':
			j++
		case '`':
			return j + 1, false
		case '$':
			if j+1 < len(src) && src[j+1] == '{' {
				return j + 2, true
			}
		}
	}
	return len(src), false
}

// skipRegex returns the index just past the regular expression literal
// (including flags) starting at i.
func skipRegex(src string, i int) int {
	inClass := false
	j := i + 1
	for ; j < len(src); j++ {
		c := src[j]
		if c == '\\' {
			j++
			continue
		}
		if c == '\n' {
			return j
		}
		if inClass {
			if c == ']' {
				inClass = false
			}
			continue
		}
		if c == '[' {
			inClass = true
		} else if c == '/' {
			j++
			break
		}
	}
	for j < len(src) && isIdentPart(src[j]) {
		j++
	}
	return j
}

var regexKeywords = map[string]bool{
	"return": true, "typeof": true, "instanceof": true, "in": true, "of": true,
	"new": true, "delete": true, "void": true, "throw": true, "case": true,
	"do": true, "else": true, "yield": true, "await": true,
}

// regexAllowed reports whether a slash after prev starts a regular
// expression rather than a division.
func regexAllowed(prev byte, prevWord string) bool {
	if prevWord != "" {
		return regexKeywords[prevWord]
	}
	switch prev {
	case 0, '(', ',', '=', ':', '[', '!', '&', '|', '?', '{', '}', ';', '+', '-', '*', '%', '<', '>', '~', '^':
		return true
	}
	return false
}

func isIdentStart(c byte) bool {
	return c == '_' || c == '$' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c >= 0x80
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

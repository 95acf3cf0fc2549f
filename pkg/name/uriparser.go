package name

import (
	"strings"

	"github.com/fruitsalade/vfs/pkg/vfserr"
)

const (
	// Separator is the canonical path separator.
	Separator = '/'

	transSeparator = '\\'
	lowerhex       = "0123456789abcdef"
)

// ExtractScheme splits uri into its scheme and the remainder after the colon.
// Known schemes are matched by prefix first. Otherwise the leading run of
// scheme characters (a letter, then letters, digits, '+', '-' or '.') must end
// in ':' for a scheme to be found. A single letter is a scheme too; parsers
// of windows names check for a drive letter first.
func ExtractScheme(schemes []string, uri string) (scheme, rest string, ok bool) {
	for _, s := range schemes {
		if len(uri) > len(s) && uri[len(s)] == ':' && strings.HasPrefix(uri, s) {
			return s, uri[len(s)+1:], true
		}
	}

	for pos := 0; pos < len(uri); pos++ {
		ch := uri[pos]
		if ch == ':' {
			if pos == 0 {
				return "", uri, false
			}
			return uri[:pos], uri[pos+1:], true
		}
		if isAlpha(ch) {
			continue
		}
		if pos > 0 && (isDigit(ch) || ch == '+' || ch == '-' || ch == '.') {
			continue
		}
		break
	}
	return "", uri, false
}

// CountSlashes returns the number of '/' characters directly following the
// scheme separator of uri.
func CountSlashes(uri string) int {
	state := 0
	slashes := 0
	for pos := 0; pos < len(uri); pos++ {
		ch := uri[pos]
		if state == 0 {
			if ch >= 'a' && ch <= 'z' {
				continue
			}
			if ch == ':' {
				state++
				continue
			}
		} else if state == 1 {
			if ch != '/' {
				return slashes
			}
			slashes++
		}
	}
	return slashes
}

// FixSeparators rewrites backslashes to the canonical separator.
func FixSeparators(path string) string {
	if strings.IndexByte(path, transSeparator) < 0 {
		return path
	}
	return strings.ReplaceAll(path, string(transSeparator), string(Separator))
}

// NormalisePath resolves "." and ".." elements, collapses separator runs and
// strips a trailing separator. Escaped separators (%2f) are decoded first so
// they take part in ".." resolution. The returned type is Folder when the
// result is empty or "/", or when the input ended in a separator.
func NormalisePath(path string) (string, FileType, error) {
	path = decodeSeparators(path)
	if path == "" {
		return "", Folder, nil
	}

	fileType := File
	if path[len(path)-1] == Separator {
		fileType = Folder
	}
	absolute := path[0] == Separator

	elems := make([]string, 0, strings.Count(path, "/")+1)
	for _, elem := range strings.Split(path, "/") {
		switch elem {
		case "", ".":
		case "..":
			if len(elems) == 0 {
				return "", fileType, vfserr.New(vfserr.CodeInvalidRelativePath, path)
			}
			elems = elems[:len(elems)-1]
		default:
			elems = append(elems, elem)
		}
	}

	out := strings.Join(elems, "/")
	if absolute {
		out = "/" + out
	}
	if out == "" || out == "/" {
		fileType = Folder
	}
	return out, fileType, nil
}

func decodeSeparators(path string) string {
	if !strings.Contains(path, "%2f") && !strings.Contains(path, "%2F") {
		return path
	}
	var b strings.Builder
	b.Grow(len(path))
	for i := 0; i < len(path); i++ {
		if path[i] == '%' && i+2 < len(path) && path[i+1] == '2' && (path[i+2] == 'f' || path[i+2] == 'F') {
			b.WriteByte(Separator)
			i += 2
			continue
		}
		b.WriteByte(path[i])
	}
	return b.String()
}

func shouldEscape(ch byte, reserved []byte) bool {
	if ch == '%' || ch < 0x20 || ch == 0x7f {
		return true
	}
	return strings.IndexByte(string(reserved), ch) >= 0
}

// Encode percent-escapes '%', ASCII control bytes and every reserved byte.
func Encode(text string, reserved ...byte) string {
	n := 0
	for i := 0; i < len(text); i++ {
		if shouldEscape(text[i], reserved) {
			n++
		}
	}
	if n == 0 {
		return text
	}

	var b strings.Builder
	b.Grow(len(text) + 2*n)
	for i := 0; i < len(text); i++ {
		ch := text[i]
		if shouldEscape(ch, reserved) {
			b.WriteByte('%')
			b.WriteByte(lowerhex[ch>>4])
			b.WriteByte(lowerhex[ch&0x0f])
			continue
		}
		b.WriteByte(ch)
	}
	return b.String()
}

// Decode replaces every %XX sequence with the byte it denotes.
func Decode(text string) (string, error) {
	if strings.IndexByte(text, '%') < 0 {
		return text, nil
	}

	var b strings.Builder
	b.Grow(len(text))
	for i := 0; i < len(text); i++ {
		ch := text[i]
		if ch != '%' {
			b.WriteByte(ch)
			continue
		}
		value, err := unescapeAt(text, i)
		if err != nil {
			return "", err
		}
		b.WriteByte(value)
		i += 2
	}
	return b.String(), nil
}

// CanonicalizePath decodes every escape sequence except those denoting '%' or
// a reserved byte, and escapes literal reserved bytes.
func CanonicalizePath(path string, reserved []byte) (string, error) {
	var b strings.Builder
	b.Grow(len(path))
	for i := 0; i < len(path); i++ {
		ch := path[i]
		switch {
		case ch == '%':
			value, err := unescapeAt(path, i)
			if err != nil {
				return "", err
			}
			if value == '%' || strings.IndexByte(string(reserved), value) >= 0 {
				b.WriteString(path[i : i+3])
			} else {
				b.WriteByte(value)
			}
			i += 2
		case strings.IndexByte(string(reserved), ch) >= 0:
			b.WriteByte('%')
			b.WriteByte(lowerhex[ch>>4])
			b.WriteByte(lowerhex[ch&0x0f])
		default:
			b.WriteByte(ch)
		}
	}
	return b.String(), nil
}

// CheckURIEncoding validates every '%' in uri, except inside an IPv6 literal
// where it introduces a zone id.
func CheckURIEncoding(uri string) error {
	inBrackets := false
	for i := 0; i < len(uri); i++ {
		switch uri[i] {
		case '[':
			inBrackets = true
		case ']':
			inBrackets = false
		case '%':
			if inBrackets {
				continue
			}
			if _, err := unescapeAt(uri, i); err != nil {
				return err
			}
			i += 2
		}
	}
	return nil
}

// ExtractQueryString splits path at the first '?'.
func ExtractQueryString(path string) (string, string, bool) {
	idx := strings.IndexByte(path, '?')
	if idx < 0 {
		return path, "", false
	}
	return path[:idx], path[idx+1:], true
}

// ExtractFirstElement removes the first element of path, keeping a leading
// separator on the remainder.
func ExtractFirstElement(path string) (elem, rest string) {
	if path == "" {
		return "", ""
	}
	start := 0
	if path[0] == Separator {
		start = 1
	}
	if idx := strings.IndexByte(path[start:], Separator); idx >= 0 {
		end := start + idx
		return path[start:end], path[:start] + path[end+1:]
	}
	return path[start:], ""
}

func unescapeAt(text string, i int) (byte, error) {
	if i+2 >= len(text) {
		return 0, vfserr.New(vfserr.CodeInvalidEscapeSequence, text[i:])
	}
	hi, ok1 := unhex(text[i+1])
	lo, ok2 := unhex(text[i+2])
	if !ok1 || !ok2 {
		return 0, vfserr.New(vfserr.CodeInvalidEscapeSequence, text[i:i+3])
	}
	return hi<<4 | lo, nil
}

func unhex(c byte) (byte, bool) {
	switch {
	case '0' <= c && c <= '9':
		return c - '0', true
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10, true
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

func isAlpha(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

// parsePath turns the raw path portion of a URI into a decoded, normalised
// absolute path. Escaped '%' survives normalisation so that "%252f" ends up as
// a literal "%2f" rather than a separator.
func parsePath(raw string) (string, FileType, error) {
	canonical, err := CanonicalizePath(raw, nil)
	if err != nil {
		return "", Imaginary, err
	}
	canonical = FixSeparators(canonical)
	normalised, fileType, err := NormalisePath(canonical)
	if err != nil {
		return "", Imaginary, err
	}
	decoded, err := Decode(normalised)
	if err != nil {
		return "", Imaginary, err
	}
	if decoded == "" || decoded[0] != Separator {
		decoded = "/" + decoded
	}
	return decoded, fileType, nil
}

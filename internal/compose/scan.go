package compose

// indexFold returns the byte index of the first ASCII case-insensitive
// occurrence of substr in s, or -1. substr must be lower case. Byte offsets
// are preserved for non-ASCII input, unlike strings.ToLower.
func indexFold(s, substr string) int {
	n := len(substr)
	if n == 0 {
		return 0
	}
	for i := 0; i+n <= len(s); i++ {
		if equalFoldASCII(s[i:i+n], substr) {
			return i
		}
	}
	return -1
}

// indexTag finds an opening tag such as "<body" that is followed by a tag
// delimiter, so "<body" does not match "<bodyguard>".
func indexTag(s, open string) int {
	from := 0
	for from < len(s) {
		idx := indexFold(s[from:], open)
		if idx == -1 {
			return -1
		}
		at := from + idx
		end := at + len(open)
		if end == len(s) || isTagDelim(s[end]) {
			return at
		}
		from = end
	}
	return -1
}

func isTagDelim(c byte) bool {
	switch c {
	case '>', '/', ' ', '\t', '\n', '\r', '\f':
		return true
	}
	return false
}

func equalFoldASCII(a, lower string) bool {
	for i := 0; i < len(lower); i++ {
		c := a[i]
		if 'A' <= c && c <= 'Z' {
			c += 'a' - 'A'
		}
		if c != lower[i] {
			return false
		}
	}
	return true
}

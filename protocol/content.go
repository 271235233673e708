package protocol

import "strings"

const listSeparator = ";"

// SplitContent splits a content field on ',' into at most n trimmed parts.
// The last part keeps any remaining commas, so passwords may contain them.
func SplitContent(content string, n int) []string {
	parts := strings.SplitN(content, ",", n)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// SplitImage separates "filename:payload" image content. The split is on the
// last ':' since base64 never contains one and a save path might.
func SplitImage(content string) (filename, payload string, ok bool) {
	i := strings.LastIndexByte(content, ':')
	if i <= 0 {
		return "", "", false
	}
	return content[:i], content[i+1:], true
}

// JoinList renders ids as a ';'-separated list.
func JoinList(items []string) string {
	return strings.Join(items, listSeparator)
}

// SplitList parses a ';'-separated list; an empty string yields no items.
func SplitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, listSeparator)
}

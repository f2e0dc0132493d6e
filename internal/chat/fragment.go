package chat

// splitFragments splits a body into chunks of at most max runes. Bodies at or
// under the limit come back as a single fragment.
func splitFragments(body string, max int) []string {
	runes := []rune(body)
	if len(runes) <= max {
		return []string{body}
	}
	frags := make([]string, 0, (len(runes)+max-1)/max)
	for start := 0; start < len(runes); start += max {
		end := start + max
		if end > len(runes) {
			end = len(runes)
		}
		frags = append(frags, string(runes[start:end]))
	}
	return frags
}

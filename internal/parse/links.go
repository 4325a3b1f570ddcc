package parse

import (
	"regexp"
	"strings"
)

var urlPattern = regexp.MustCompile(`https?://[^\s<>"')\]]+`)

// meetingHosts are substrings identifying video conference URLs.
var meetingHosts = []string{
	"meet.google.com",
	"zoom.us",
	"teams.microsoft.com",
	"webex.com",
	"gotomeeting.com",
}

// Links extracts all HTTP(S) URLs from text, in order, deduplicated.
func Links(text string) []string {
	seen := map[string]bool{}
	var out []string
	for _, u := range urlPattern.FindAllString(text, -1) {
		u = strings.TrimRight(u, ".,;")
		if !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}
	return out
}

// MeetingLinks returns the video conference URLs found in text. When none
// match a known conferencing host, it falls back to all URLs so the caller
// never loses a possible join link.
func MeetingLinks(text string) []string {
	all := Links(text)
	var meetings []string
	for _, u := range all {
		for _, host := range meetingHosts {
			if strings.Contains(u, host) {
				meetings = append(meetings, u)
				break
			}
		}
	}
	if len(meetings) > 0 {
		return meetings
	}
	return all
}

// FirstMeetingLink returns the first URL matching a conferencing host, or
// empty when there is none.
func FirstMeetingLink(text string) string {
	for _, u := range Links(text) {
		for _, host := range meetingHosts {
			if strings.Contains(u, host) {
				return u
			}
		}
	}
	return ""
}

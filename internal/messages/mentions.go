package messages

import (
	"regexp"
	"sort"
	"strings"
)

var mentionPattern = regexp.MustCompile(`(?:^|[^\w@])@([A-Za-z0-9_][A-Za-z0-9_.-]*)`)

// ExtractMentions returns the user ids mentioned in content unioned with
// explicit, deduplicated and sorted. directory maps lower-cased handles to
// user ids; handles it does not know are dropped. A nil directory treats
// handles as ids.
func ExtractMentions(content string, directory map[string]string, explicit []string) []string {
	seen := map[string]struct{}{}
	for _, id := range explicit {
		if id = strings.TrimSpace(id); id != "" {
			seen[id] = struct{}{}
		}
	}
	for _, match := range mentionPattern.FindAllStringSubmatch(content, -1) {
		handle := strings.TrimRight(match[1], ".-")
		if handle == "" {
			continue
		}
		if directory == nil {
			seen[handle] = struct{}{}
			continue
		}
		if id, ok := directory[strings.ToLower(handle)]; ok {
			seen[id] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return nil
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

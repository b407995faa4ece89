package fanout

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

var emojiPattern = regexp.MustCompile(`:([A-Za-z0-9_]+):`)

// rewriteEmojis replaces :shortName: tokens matching the server's custom
// emojis with the canonical :host|serverId|emojiId|name: form used for
// storage and broadcast.
func (s *Service) rewriteEmojis(ctx context.Context, serverID, content string) string {
	if !strings.Contains(content, ":") {
		return content
	}
	emojis, err := s.store.ListServerEmojis(ctx, serverID)
	if err != nil || len(emojis) == 0 {
		return content
	}
	byName := make(map[string]int, len(emojis))
	for i, e := range emojis {
		byName[e.ShortName] = i
	}
	return emojiPattern.ReplaceAllStringFunc(content, func(token string) string {
		name := token[1 : len(token)-1]
		i, ok := byName[name]
		if !ok {
			return token
		}
		e := emojis[i]
		host := e.Host
		if host == "" {
			host = s.host
		}
		return fmt.Sprintf(":%s|%s|%s|%s:", host, e.ServerID, e.ID, e.ShortName)
	})
}

package relay

import (
	"strings"
)

var subjectReplacer = strings.NewReplacer(
	".", "_",
	" ", "_",
	",", "_",
	":", "_",
	"?", "_",
	"[", "_",
	"]", "_",
	"*", "_",
	">", "_",
)

// ToSubject converts an MQTT topic name to a NATS subject under prefix.
// MQTT levels become NATS tokens; characters NATS treats as separators or
// wildcards are replaced and empty levels are dropped.
func ToSubject(prefix, topic string) string {
	levels := strings.Split(topic, "/")
	tokens := make([]string, 0, len(levels)+1)
	if prefix != "" {
		tokens = append(tokens, strings.Trim(prefix, "."))
	}
	for _, level := range levels {
		if level == "" {
			continue
		}
		tokens = append(tokens, subjectReplacer.Replace(level))
	}
	if len(tokens) == 0 {
		return "_"
	}
	return strings.Join(tokens, ".")
}

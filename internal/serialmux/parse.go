package serialmux

import "strings"

// MessageName returns the message name of a link line, which is its second
// whitespace separated token ("<sender> <NAME> ..."). Lines too short to
// carry one return "".
func MessageName(line string) string {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return ""
	}
	return fields[1]
}

package internal

import (
	"strings"
	"time"
)

// strftime-like verbs supported by the filename patterns. Unknown verbs pass
// through untouched.
var timeVerbs = map[byte]string{
	'Y': "2006",
	'y': "06",
	'm': "01",
	'd': "02",
	'H': "15",
	'M': "04",
	'S': "05",
	'j': "002",
}

// Strftime renders a strftime-like pattern with t. Only the verbs the config
// documents use are supported.
func Strftime(pattern string, t time.Time) string {
	var b strings.Builder
	for i := 0; i < len(pattern); i++ {
		if pattern[i] != '%' || i+1 >= len(pattern) {
			b.WriteByte(pattern[i])
			continue
		}
		verb := pattern[i+1]
		if verb == '%' {
			b.WriteByte('%')
			i++
			continue
		}
		if layout, ok := timeVerbs[verb]; ok {
			b.WriteString(t.Format(layout))
			i++
			continue
		}
		b.WriteByte(pattern[i])
	}
	return b.String()
}

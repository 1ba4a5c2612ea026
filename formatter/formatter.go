package formatter

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// TextFormatter renders entries as a single line: timestamp, level tag, the
// source added by CallerHook, the message and sorted fields.
type TextFormatter struct {
	timestampFormat string
}

// NewTextFormatter creates a new TextFormatter instance
func NewTextFormatter() *TextFormatter {
	return &TextFormatter{
		timestampFormat: time.RFC3339,
	}
}

// Format renders a single log entry
func (f *TextFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var b bytes.Buffer
	b.WriteString(entry.Time.Format(f.timestampFormat))
	b.WriteByte(' ')
	b.WriteString(levelTag(entry.Level))
	if src, ok := entry.Data["source"]; ok {
		fmt.Fprintf(&b, " %v", src)
	}
	b.WriteString(": ")
	b.WriteString(entry.Message)

	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		if k == "source" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, entry.Data[k])
	}
	b.WriteByte('\n')

	return b.Bytes(), nil
}

func levelTag(level logrus.Level) string {
	tag := strings.ToUpper(level.String())
	if len(tag) > 4 {
		tag = tag[:4]
	}
	return tag
}

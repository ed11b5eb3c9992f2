package logging

import (
	"fmt"
	"log"
	"os"
	"strings"
)

func debugEnabled() bool {
	return strings.EqualFold(os.Getenv("DEBUG"), "true")
}

// Info logs a message with key/value fields using a consistent component prefix.
func Info(component, msg string, kv ...interface{}) {
	log.Printf("[%s] %s%s", strings.ToUpper(component), msg, formatFields(kv...))
}

// Warn logs a warning with key/value fields.
func Warn(component, msg string, kv ...interface{}) {
	log.Printf("[%s] WARN %s%s", strings.ToUpper(component), msg, formatFields(kv...))
}

// Error logs an error message with key/value fields.
func Error(component, msg string, kv ...interface{}) {
	log.Printf("[%s] ERROR %s%s", strings.ToUpper(component), msg, formatFields(kv...))
}

// Debug logs only when the DEBUG environment variable is set to "true".
func Debug(component, msg string, kv ...interface{}) {
	if !debugEnabled() {
		return
	}
	log.Printf("[%s] DEBUG %s%s", strings.ToUpper(component), msg, formatFields(kv...))
}

func formatFields(kv ...interface{}) string {
	if len(kv) == 0 {
		return ""
	}
	if len(kv)%2 != 0 {
		kv = append(kv, "(missing)")
	}
	var b strings.Builder
	b.WriteString(" ")
	for i := 0; i < len(kv); i += 2 {
		if i > 0 {
			b.WriteString(" ")
		}
		b.WriteString(strings.TrimSpace(toString(kv[i])))
		b.WriteString("=")
		b.WriteString(toString(kv[i+1]))
	}
	return b.String()
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	default:
		s := strings.TrimSpace(fmt.Sprintf("%v", t))
		s = strings.ReplaceAll(s, "\n", " ")
		return strings.ReplaceAll(s, "\t", " ")
	}
}

// Package log implements the minimalistic structured logger used
// throughout the core. Every connection-scoped component receives a
// Logger bound to its own name and field set rather than writing to a
// global.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Output is the sink a Logger writes formatted lines to. Implementations
// must be safe for concurrent use since several loops may log at once.
type Output interface {
	Write(stamp time.Time, debug bool, text string)
}

// Logger writes formatted output to an underlying Output. Logger is
// stateless and can be copied freely; the Output is not copied.
type Logger struct {
	Out   Output
	Name  string
	Debug bool

	// Fields are attached to every message this Logger writes.
	Fields map[string]interface{}
}

// WithFields returns a copy of l with extra fields merged in.
func (l Logger) WithFields(fields map[string]interface{}) Logger {
	merged := make(map[string]interface{}, len(l.Fields)+len(fields))
	for k, v := range l.Fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	l.Fields = merged
	return l
}

func (l Logger) Debugf(format string, val ...interface{}) {
	if !l.Debug {
		return
	}
	l.log(true, l.formatMsg(fmt.Sprintf(format, val...), nil))
}

func (l Logger) Printf(format string, val ...interface{}) {
	l.log(false, l.formatMsg(fmt.Sprintf(format, val...), nil))
}

func (l Logger) Println(val ...interface{}) {
	l.log(false, l.formatMsg(strings.TrimRight(fmt.Sprintln(val...), "\n"), nil))
}

// Msg writes a machine-readable event: "name: msg\t{json fields}".
func (l Logger) Msg(msg string, fields ...interface{}) {
	m := make(map[string]interface{}, len(fields)/2)
	fieldsToMap(fields, m)
	l.log(false, l.formatMsg(msg, m))
}

// Error writes msg along with err and (if err implements FieldsErr) its
// attached fields. Calling Error with a nil err is a no-op.
func (l Logger) Error(msg string, err error, fields ...interface{}) {
	if err == nil {
		return
	}

	allFields := map[string]interface{}{}
	if fe, ok := err.(interface{ Fields() map[string]interface{} }); ok {
		for k, v := range fe.Fields() {
			allFields[k] = v
		}
	}
	if allFields["reason"] == nil {
		allFields["reason"] = err.Error()
	}
	fieldsToMap(fields, allFields)

	l.log(false, l.formatMsg(msg, allFields))
}

func fieldsToMap(fields []interface{}, out map[string]interface{}) {
	var lastKey string
	for i, val := range fields {
		if i%2 == 0 {
			key, ok := val.(string)
			if !ok {
				out[fmt.Sprint("field", i)] = val
				continue
			}
			lastKey = key
		} else {
			out[lastKey] = val
		}
	}
}

func (l Logger) formatMsg(msg string, fields map[string]interface{}) string {
	b := strings.Builder{}
	b.WriteString(msg)

	if len(l.Fields)+len(fields) != 0 {
		if fields == nil {
			fields = make(map[string]interface{})
		}
		for k, v := range l.Fields {
			if _, ok := fields[k]; !ok {
				fields[k] = v
			}
		}
		b.WriteRune('\t')
		if err := marshalOrdered(&b, fields); err != nil {
			return fmt.Sprintf("[BROKEN FORMATTING: %v] %s %+v", err, msg, fields)
		}
	}

	return b.String()
}

func (l Logger) log(debug bool, s string) {
	if l.Name != "" {
		s = l.Name + ": " + s
	}
	if l.Out != nil {
		l.Out.Write(time.Now(), debug, s)
		return
	}
	if DefaultLogger.Out != nil {
		DefaultLogger.Out.Write(time.Now(), debug, s)
	}
}

// DefaultLogger is used by package-level helpers below.
var DefaultLogger = Logger{Out: WriterOutput(os.Stderr)}

func Debugf(format string, val ...interface{}) { DefaultLogger.Debugf(format, val...) }
func Printf(format string, val ...interface{}) { DefaultLogger.Printf(format, val...) }
func Println(val ...interface{})               { DefaultLogger.Println(val...) }

// writerOutput adapts an io.Writer into an Output, one line per message.
type writerOutput struct {
	mu sync.Mutex
	w  io.Writer
}

// WriterOutput returns an Output that writes "TIMESTAMP [D] text\n" lines
// to w, serializing concurrent writers.
func WriterOutput(w io.Writer) Output {
	return &writerOutput{w: w}
}

func (o *writerOutput) Write(stamp time.Time, debug bool, text string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	flag := " "
	if debug {
		flag = "D"
	}
	fmt.Fprintf(o.w, "%s %s %s\n", stamp.Format(time.RFC3339), flag, text)
}

package stream

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/pscheid92/streamcast/internal/domain"
)

const separator = ":"

var tokenEscaper = strings.NewReplacer("%", "%25", separator, "%3A")

// Name joins the tokens of the given streamables, in order, into a channel name.
// Nested slices are flattened and nil entries dropped. The result is "" when nothing
// is left, which callers treat as "broadcast to nobody".
func Name(streamables ...any) domain.ChannelName {
	tokens := Tokens(streamables...)
	return domain.ChannelName(strings.Join(tokens, separator))
}

// Tokens returns the escaped per-streamable tokens Name would join.
func Tokens(streamables ...any) []string {
	var tokens []string
	for _, s := range Flatten(streamables...) {
		tokens = append(tokens, tokenEscaper.Replace(token(s)))
	}
	return tokens
}

// Flatten expands nested slices and arrays of any element type and drops nil entries.
// A []byte is kept whole and reads as a string.
func Flatten(streamables ...any) []any {
	out := make([]any, 0, len(streamables))
	for _, s := range streamables {
		if isNil(s) {
			continue
		}
		switch v := s.(type) {
		case []any:
			out = append(out, Flatten(v...)...)
		case []byte:
			out = append(out, s)
		default:
			rv := reflect.ValueOf(s)
			if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
				out = append(out, s)
				continue
			}
			for i := range rv.Len() {
				out = append(out, Flatten(rv.Index(i).Interface())...)
			}
		}
	}
	return out
}

func token(s any) string {
	switch v := s.(type) {
	case domain.Streamable:
		return v.StreamKey()
	case string:
		return v
	case []byte:
		return string(v)
	case domain.ChannelName:
		return string(v)
	case fmt.Stringer:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case uint:
		return strconv.FormatUint(uint64(v), 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	case uint32:
		return strconv.FormatUint(uint64(v), 10)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func isNil(s any) bool {
	if s == nil {
		return true
	}
	v := reflect.ValueOf(s)
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return v.IsNil()
	default:
		return false
	}
}

package record

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/valyala/fastjson"
)

// Formatter renders a record into the message stored for it.
type Formatter func(Record) string

// DefaultFormatter renders "<level> - <message>".
func DefaultFormatter(r Record) string {
	return r.Level + " - " + r.Message.Raw()
}

// MessageOnly renders the raw message and nothing else.
func MessageOnly(r Record) string {
	return r.Message.Raw()
}

var arenaPool fastjson.ArenaPool

// JSONFormatter renders the whole record as a JSON object: level, message,
// time when set, then every field in key order. Error messages become an
// object with kind and message keys. Values the encoder does not know are
// stored as their fmt representation, so rendering never fails.
func JSONFormatter(r Record) string {
	a := arenaPool.Get()
	defer arenaPool.Put(a)

	o := a.NewObject()
	if r.Level != "" {
		o.Set("level", a.NewString(r.Level))
	}
	if ev := r.Message.ErrorValue(); ev != nil {
		e := a.NewObject()
		e.Set("kind", a.NewString(ev.Kind))
		e.Set("message", a.NewString(ev.Text))
		o.Set("message", e)
	} else {
		o.Set("message", a.NewString(r.Message.Raw()))
	}
	if !r.Time.IsZero() {
		o.Set("time", a.NewString(r.Time.UTC().Format(time.RFC3339Nano)))
	}

	keys := make([]string, 0, len(r.Fields))
	for k := range r.Fields {
		if k == "level" || k == "message" || k == "time" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		o.Set(k, jsonValue(a, r.Fields[k], 0))
	}
	return string(o.MarshalTo(nil))
}

// maxDepth bounds nested maps and slices; deeper values are stringified.
const maxDepth = 8

func jsonValue(a *fastjson.Arena, v any, depth int) *fastjson.Value {
	switch val := v.(type) {
	case nil:
		return a.NewNull()
	case string:
		return a.NewString(val)
	case []byte:
		return a.NewStringBytes(val)
	case bool:
		if val {
			return a.NewTrue()
		}
		return a.NewFalse()
	case int:
		return a.NewNumberInt(val)
	case int32:
		return a.NewNumberInt(int(val))
	case int64:
		return a.NewNumberString(strconv.FormatInt(val, 10))
	case uint64:
		return a.NewNumberString(strconv.FormatUint(val, 10))
	case float32:
		return a.NewNumberFloat64(float64(val))
	case float64:
		return a.NewNumberFloat64(val)
	case time.Time:
		return a.NewString(val.UTC().Format(time.RFC3339Nano))
	case time.Duration:
		return a.NewString(val.String())
	case error:
		e := a.NewObject()
		e.Set("kind", a.NewString(fmt.Sprintf("%T", val)))
		e.Set("message", a.NewString(val.Error()))
		return e
	case fmt.Stringer:
		return a.NewString(val.String())
	}

	if depth >= maxDepth {
		return a.NewString(fmt.Sprint(v))
	}
	switch val := v.(type) {
	case []any:
		arr := a.NewArray()
		for i, item := range val {
			arr.SetArrayItem(i, jsonValue(a, item, depth+1))
		}
		return arr
	case []string:
		arr := a.NewArray()
		for i, item := range val {
			arr.SetArrayItem(i, a.NewString(item))
		}
		return arr
	case map[string]any:
		obj := a.NewObject()
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			obj.Set(k, jsonValue(a, val[k], depth+1))
		}
		return obj
	default:
		return a.NewString(fmt.Sprint(v))
	}
}

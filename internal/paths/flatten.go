package paths

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/cory-johannsen/elitecast/internal/event"
)

// Flattener is the default Translator. It walks the event's JSON object and
// emits one entry per leaf value:
//
//	/<prefix>/<EventType>/<key>/<subkey>=<json value>
//
// Object keys are visited in sorted order and array elements by index, so
// the output is deterministic. Path segments are escaped as in RFC 6901
// ("~" becomes "~0", "/" becomes "~1"). Empty objects and arrays are
// emitted as leaves.
type Flattener struct {
	prefix        string
	excludeEvents map[string]bool
	excludeFields map[string]bool
}

// NewFlattener creates a Flattener from rules.
func NewFlattener(r Rules) *Flattener {
	f := &Flattener{
		prefix:        r.Prefix,
		excludeEvents: make(map[string]bool, len(r.ExcludeEvents)),
		excludeFields: map[string]bool{"event": true},
	}
	for _, name := range r.ExcludeEvents {
		f.excludeEvents[name] = true
	}
	for _, name := range r.ExcludeFields {
		f.excludeFields[name] = true
	}
	return f
}

// ToPaths flattens e. Excluded event types return ErrSkipEvent.
func (f *Flattener) ToPaths(e event.Event) (PathSet, error) {
	if f.excludeEvents[e.Type] {
		return nil, ErrSkipEvent
	}

	dec := json.NewDecoder(bytes.NewReader(e.Raw))
	dec.UseNumber()
	var root map[string]any
	if err := dec.Decode(&root); err != nil {
		return nil, translationError(e, fmt.Errorf("decoding event body: %w", err))
	}

	base := "/" + escape(e.Type)
	if f.prefix != "" {
		base = "/" + escape(f.prefix) + base
	}

	keys := sortedKeys(root)
	out := make(PathSet, 0, len(keys))
	for _, k := range keys {
		if f.excludeFields[k] {
			continue
		}
		var err error
		out, err = appendLeaves(out, base+"/"+escape(k), root[k])
		if err != nil {
			return nil, translationError(e, err)
		}
	}
	return out, nil
}

func appendLeaves(out PathSet, path string, v any) (PathSet, error) {
	switch tv := v.(type) {
	case map[string]any:
		if len(tv) == 0 {
			return append(out, path+"={}"), nil
		}
		for _, k := range sortedKeys(tv) {
			var err error
			out, err = appendLeaves(out, path+"/"+escape(k), tv[k])
			if err != nil {
				return nil, err
			}
		}
		return out, nil
	case []any:
		if len(tv) == 0 {
			return append(out, path+"=[]"), nil
		}
		for i, item := range tv {
			var err error
			out, err = appendLeaves(out, path+"/"+strconv.Itoa(i), item)
			if err != nil {
				return nil, err
			}
		}
		return out, nil
	default:
		data, err := json.Marshal(tv)
		if err != nil {
			return nil, fmt.Errorf("encoding %s: %w", path, err)
		}
		return append(out, path+"="+string(data)), nil
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var segmentEscaper = strings.NewReplacer("~", "~0", "/", "~1")

func escape(segment string) string {
	return segmentEscaper.Replace(segment)
}

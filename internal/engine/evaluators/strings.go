package evaluators

import (
	"github.com/triage-ai/palisade/services/tool_runner/internal/engine"
	"github.com/triage-ai/palisade/services/tool_runner/internal/value"
)

// requestStrings returns every string the child will see: the bound argv
// followed by all string leaves of the argument payload.
func requestStrings(req *engine.EvalRequest) []string {
	out := append([]string(nil), req.Argv...)
	for _, k := range sortedKeys(req.Args) {
		collectStrings(req.Args[k], &out)
	}
	return out
}

func collectStrings(v value.Value, out *[]string) {
	switch v.Kind() {
	case value.KindString:
		s, _ := v.Str()
		*out = append(*out, s)
	case value.KindArray:
		for _, item := range v.Items() {
			collectStrings(item, out)
		}
	case value.KindObject:
		for _, k := range v.Keys() {
			child, _ := v.Get(k)
			collectStrings(child, out)
		}
	}
}

func sortedKeys(o value.Object) []string {
	return o.Value().Keys()
}

package ai

import (
	"fmt"
	"strings"

	"github.com/floegence/aria-agent/internal/ai/provider"
	"github.com/floegence/aria-agent/internal/ai/tools"
)

type partialCall struct {
	id   string
	name string
	args strings.Builder
}

// toolCallAccumulator collects streamed tool-call fragments. Fragments without an id are matched
// to a call through the stream index they share with the call's first fragment. Nothing is parsed
// until finalize.
type toolCallAccumulator struct {
	order     []string
	byID      map[string]*partialCall
	idByIndex map[int]string
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{
		byID:      make(map[string]*partialCall),
		idByIndex: make(map[int]string),
	}
}

func placeholderID(index int) string { return fmt.Sprintf("#%d", index) }

func (a *toolCallAccumulator) add(d provider.ToolCallDelta) {
	id := strings.TrimSpace(d.ID)
	known := a.idByIndex[d.Index]
	switch {
	case id == "" && known != "":
		id = known
	case id == "":
		id = placeholderID(d.Index)
		a.idByIndex[d.Index] = id
	case known != "" && known != id && known == placeholderID(d.Index):
		// The id arrived after anonymous fragments; rekey them.
		if pc := a.byID[known]; pc != nil {
			delete(a.byID, known)
			pc.id = id
			a.byID[id] = pc
			for i, v := range a.order {
				if v == known {
					a.order[i] = id
				}
			}
		}
		a.idByIndex[d.Index] = id
	default:
		a.idByIndex[d.Index] = id
	}

	pc := a.byID[id]
	if pc == nil {
		pc = &partialCall{id: id}
		a.byID[id] = pc
		a.order = append(a.order, id)
	}
	if name := strings.TrimSpace(d.Name); name != "" {
		pc.name = name
	}
	pc.args.WriteString(d.Arguments)
}

// finalize returns the calls to dispatch. When the run lists its required calls, that list is
// authoritative for ids, order and names; accumulated fragments fill in missing arguments.
func (a *toolCallAccumulator) finalize(required []provider.ToolCall) []tools.Call {
	if len(required) > 0 {
		out := make([]tools.Call, 0, len(required))
		for _, rc := range required {
			call := tools.Call{ID: rc.ID, Name: strings.TrimSpace(rc.Name), Args: strings.TrimSpace(rc.Arguments)}
			if pc := a.byID[rc.ID]; pc != nil {
				if call.Args == "" {
					call.Args = strings.TrimSpace(pc.args.String())
				}
				if call.Name == "" {
					call.Name = pc.name
				}
			}
			out = append(out, call)
		}
		return out
	}
	out := make([]tools.Call, 0, len(a.order))
	for _, id := range a.order {
		pc := a.byID[id]
		out = append(out, tools.Call{ID: pc.id, Name: pc.name, Args: strings.TrimSpace(pc.args.String())})
	}
	return out
}

func (a *toolCallAccumulator) reset() {
	a.order = a.order[:0]
	clear(a.byID)
	clear(a.idByIndex)
}

package ai

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/floegence/aria-agent/internal/ai/provider"
	"github.com/floegence/aria-agent/internal/ai/tools"
)

func TestAccumulator_AssemblesFragmentsBeforeParsing(t *testing.T) {
	t.Parallel()

	acc := newToolCallAccumulator()
	acc.add(provider.ToolCallDelta{Index: 0, ID: "c1", Name: "probe", Arguments: `{"a"`})
	acc.add(provider.ToolCallDelta{Index: 0, Arguments: `:1}`})

	got := acc.finalize(nil)
	want := []tools.Call{{ID: "c1", Name: "probe", Args: `{"a":1}`}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("finalize (-want +got):\n%s", diff)
	}
}

func TestAccumulator_InterleavedCallsByIndex(t *testing.T) {
	t.Parallel()

	acc := newToolCallAccumulator()
	acc.add(provider.ToolCallDelta{Index: 0, ID: "c1", Name: "get_weather", Arguments: `{"loc`})
	acc.add(provider.ToolCallDelta{Index: 1, ID: "c2", Name: "get_calendar_events", Arguments: `{"start":"a",`})
	acc.add(provider.ToolCallDelta{Index: 0, Arguments: `ation":"Paris"}`})
	acc.add(provider.ToolCallDelta{Index: 1, Arguments: `"end":"b"}`})

	got := acc.finalize(nil)
	want := []tools.Call{
		{ID: "c1", Name: "get_weather", Args: `{"location":"Paris"}`},
		{ID: "c2", Name: "get_calendar_events", Args: `{"start":"a","end":"b"}`},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("finalize (-want +got):\n%s", diff)
	}
}

func TestAccumulator_LateIDRekeysAnonymousFragments(t *testing.T) {
	t.Parallel()

	acc := newToolCallAccumulator()
	acc.add(provider.ToolCallDelta{Index: 2, Arguments: `{"eventId":`})
	acc.add(provider.ToolCallDelta{Index: 2, ID: "c9", Name: "delete_calendar_event", Arguments: `"e1"}`})

	got := acc.finalize(nil)
	want := []tools.Call{{ID: "c9", Name: "delete_calendar_event", Args: `{"eventId":"e1"}`}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("finalize (-want +got):\n%s", diff)
	}
}

func TestAccumulator_RequiredCallsAreAuthoritative(t *testing.T) {
	t.Parallel()

	acc := newToolCallAccumulator()
	acc.add(provider.ToolCallDelta{Index: 0, ID: "c1", Name: "get_weather", Arguments: `{"location":"Rome"}`})
	acc.add(provider.ToolCallDelta{Index: 1, ID: "c2", Name: "get_weather", Arguments: `{"location":"Oslo"}`})

	got := acc.finalize([]provider.ToolCall{
		{ID: "c2", Name: "get_weather", Arguments: `{"location":"Bergen"}`},
		{ID: "c1"},
	})
	want := []tools.Call{
		{ID: "c2", Name: "get_weather", Args: `{"location":"Bergen"}`},
		{ID: "c1", Name: "get_weather", Args: `{"location":"Rome"}`},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("finalize (-want +got):\n%s", diff)
	}

	acc.reset()
	if got := acc.finalize(nil); len(got) != 0 {
		t.Fatalf("after reset=%+v", got)
	}
}

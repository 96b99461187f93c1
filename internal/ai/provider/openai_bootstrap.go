package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	openai "github.com/openai/openai-go"
	"github.com/tidwall/gjson"

	"github.com/floegence/aria-agent/internal/ai/tools"
)

const (
	DefaultAssistantName  = "Aria - Personal AI Assistant"
	DefaultAssistantModel = string(openai.ChatModelGPT4oMini)
)

// AssistantSpec describes the assistant the OpenAI backend should run against.
type AssistantSpec struct {
	Name         string
	Model        string
	Instructions string
	Tools        []tools.Def
}

func (s AssistantSpec) normalized() AssistantSpec {
	if strings.TrimSpace(s.Name) == "" {
		s.Name = DefaultAssistantName
	}
	if strings.TrimSpace(s.Model) == "" {
		s.Model = DefaultAssistantModel
	}
	if strings.TrimSpace(s.Instructions) == "" {
		s.Instructions = DefaultInstructions
	}
	return s
}

// AssistantID returns the assistant runs are started against; empty until configured or ensured.
func (o *OpenAIAssistant) AssistantID() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.assistantID
}

// EnsureAssistant makes sure the configured assistant exists and carries the current tools
// and instructions. A stale assistant is updated in place; a missing one is created.
// It returns the assistant id runs will use.
func (o *OpenAIAssistant) EnsureAssistant(ctx context.Context, spec AssistantSpec) (string, error) {
	spec = spec.normalized()
	toolParams, err := assistantToolParams(spec.Tools)
	if err != nil {
		return "", err
	}

	if id := o.AssistantID(); id != "" {
		existing, err := o.client.Beta.Assistants.Get(ctx, id)
		switch err = mapOpenAIError(err); {
		case err == nil:
			if !assistantStale(gjson.Parse(existing.RawJSON()), spec) {
				return id, nil
			}
			o.log.Info("updating assistant tools and instructions", "assistant_id", id)
			if _, err := o.client.Beta.Assistants.Update(ctx, id, openai.BetaAssistantUpdateParams{
				Instructions: openai.String(spec.Instructions),
				Tools:        toolParams,
			}); err != nil {
				return "", fmt.Errorf("update assistant %s: %w", id, mapOpenAIError(err))
			}
			return id, nil
		case errors.Is(err, ErrNotFound):
			o.log.Warn("configured assistant not found, creating a new one", "assistant_id", id)
		default:
			return "", fmt.Errorf("retrieve assistant %s: %w", id, err)
		}
	}

	created, err := o.client.Beta.Assistants.New(ctx, openai.BetaAssistantNewParams{
		Name:         openai.String(spec.Name),
		Model:        openai.ChatModel(spec.Model),
		Instructions: openai.String(spec.Instructions),
		Tools:        toolParams,
	})
	if err != nil {
		return "", fmt.Errorf("create assistant: %w", mapOpenAIError(err))
	}
	o.mu.Lock()
	o.assistantID = created.ID
	o.mu.Unlock()
	o.log.Info("created assistant; set assistant.assistant_id to reuse it", "assistant_id", created.ID, "model", spec.Model)
	return created.ID, nil
}

func assistantToolParams(defs []tools.Def) ([]openai.AssistantToolUnionParam, error) {
	out := make([]openai.AssistantToolUnionParam, 0, len(defs)+1)
	for _, d := range defs {
		var params openai.FunctionParameters
		if len(d.InputSchema) > 0 {
			if err := json.Unmarshal(d.InputSchema, &params); err != nil {
				return nil, fmt.Errorf("tool %s: invalid input schema: %w", d.Name, err)
			}
		}
		out = append(out, openai.AssistantToolParamOfFunction(openai.FunctionDefinitionParam{
			Name:        d.Name,
			Description: openai.String(d.Description),
			Parameters:  params,
		}))
	}
	out = append(out, openai.AssistantToolUnionParam{OfFileSearch: &openai.FileSearchToolParam{}})
	return out, nil
}

// assistantStale reports whether the remote assistant lacks file search, exposes a different
// function set, or runs with other instructions.
func assistantStale(remote gjson.Result, spec AssistantSpec) bool {
	if remote.Get("instructions").String() != spec.Instructions {
		return true
	}
	var fileSearch bool
	var have []string
	remote.Get("tools").ForEach(func(_, t gjson.Result) bool {
		switch t.Get("type").String() {
		case "file_search":
			fileSearch = true
		case "function":
			have = append(have, t.Get("function.name").String())
		}
		return true
	})
	if !fileSearch {
		return true
	}
	want := make([]string, 0, len(spec.Tools))
	for _, d := range spec.Tools {
		want = append(want, d.Name)
	}
	slices.Sort(have)
	slices.Sort(want)
	return !slices.Equal(have, want)
}

// Package eventstream converts an agent's structured stdout lines into
// the tagged-variant event model of spec §4.4/§9. Grounded on
// thecybersailor-shellman's task_agent_actor.go, which parses a similar
// newline-delimited JSON event stream from a driven subprocess, adapted
// here from that actor's ad hoc field access into an explicit tagged
// struct so downstream code switches on Kind instead of probing maps.
package eventstream

import "encoding/json"

type Kind string

const (
	KindSystem    Kind = "system"
	KindAssistant Kind = "assistant"
	KindToolUse   Kind = "tool_use"
	KindResult    Kind = "result"
	KindError     Kind = "error"
	KindRaw       Kind = "raw"
)

// Usage carries the terminal event's token accounting (spec §3.1).
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Event is the tagged variant spec §9 calls for: downstream callbacks
// switch on Kind and read only the fields that kind populates.
type Event struct {
	Kind Kind

	// system
	Model string

	// assistant / result / error: Text; tool_use: ToolName, ToolArgs
	Text     string
	ToolName string
	ToolArgs string

	// result
	Usage *Usage
	Cost  *float64

	Raw string
}

// wireEvent is the best-effort shape of one agent stdout line. Fields are
// deliberately loose (RawMessage args, optional usage/cost) because the agent's exact
// schema is version-specific (spec §9 "open questions").
type wireEvent struct {
	Type  string          `json:"type"`
	Model string          `json:"model"`
	Text  string          `json:"text"`
	Content []contentBlock `json:"content"`
	Tool  string          `json:"tool"`
	Args  json.RawMessage `json:"args"`
	Message string        `json:"message"`
	Usage *wireUsage      `json:"usage"`
	Cost  *float64        `json:"cost"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type wireUsage struct {
	InputTokens  int      `json:"input_tokens"`
	OutputTokens int      `json:"output_tokens"`
	Cost         *float64 `json:"cost"`
}

// ParseLine parses one line of agent stdout. Lines that are not valid
// JSON, or whose "type" is unrecognised, become a raw event carrying the
// verbatim text (spec §4.4: "lines that fail parsing become a
// single-field event carrying the raw text").
func ParseLine(line []byte) Event {
	var w wireEvent
	if err := json.Unmarshal(line, &w); err != nil {
		return Event{Kind: KindRaw, Raw: string(line)}
	}

	switch w.Type {
	case "system":
		return Event{Kind: KindSystem, Model: w.Model, Raw: string(line)}
	case "assistant":
		return Event{Kind: KindAssistant, Text: assistantText(w), Raw: string(line)}
	case "tool_use":
		return Event{Kind: KindToolUse, ToolName: w.Tool, ToolArgs: string(w.Args), Raw: string(line)}
	case "result":
		e := Event{Kind: KindResult, Text: assistantText(w), Raw: string(line)}
		// Spec §9: tolerate both top-level cost and usage.cost.
		if w.Usage != nil {
			e.Usage = &Usage{InputTokens: w.Usage.InputTokens, OutputTokens: w.Usage.OutputTokens}
			if w.Usage.Cost != nil {
				e.Cost = w.Usage.Cost
			}
		}
		if w.Cost != nil {
			e.Cost = w.Cost
		}
		return e
	case "error":
		msg := w.Message
		if msg == "" {
			msg = w.Text
		}
		return Event{Kind: KindError, Text: msg, Raw: string(line)}
	default:
		return Event{Kind: KindRaw, Raw: string(line)}
	}
}

func assistantText(w wireEvent) string {
	if w.Text != "" {
		return w.Text
	}
	out := ""
	for _, block := range w.Content {
		if block.Type == "" || block.Type == "text" {
			out += block.Text
		}
	}
	return out
}

// Format re-serializes an Event back into the wire shape it was parsed
// from, used by the parser round-trip law (spec §8): the semantic fields
// (text, usage, cost) must survive parse → format → parse.
func Format(e Event) []byte {
	w := wireEvent{Type: string(e.Kind)}
	switch e.Kind {
	case KindSystem:
		w.Model = e.Model
	case KindAssistant, KindToolUse:
		w.Text = e.Text
		w.Tool = e.ToolName
		if e.ToolArgs != "" {
			w.Args = json.RawMessage(e.ToolArgs)
		}
	case KindResult:
		w.Text = e.Text
		if e.Usage != nil {
			w.Usage = &wireUsage{InputTokens: e.Usage.InputTokens, OutputTokens: e.Usage.OutputTokens}
		}
		w.Cost = e.Cost
	case KindError:
		w.Message = e.Text
	default:
		out, _ := json.Marshal(map[string]string{"type": "raw", "text": e.Raw})
		return out
	}
	out, _ := json.Marshal(w)
	return out
}

// Severity classifies an event for the Task Store's log entries, per the
// effect column of spec §4.4's variant table.
func (e Event) Severity() string {
	switch e.Kind {
	case KindError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// Accumulator folds a sequence of events into the final output and usage
// totals, per spec §4.4: "the final output is the concatenation of
// assistant text seen, in order" when no terminal result is observed.
type Accumulator struct {
	output string
	usage  *Usage
	cost   *float64
	sawResult bool
}

func (a *Accumulator) Add(e Event) {
	switch e.Kind {
	case KindAssistant:
		a.output += e.Text
	case KindResult:
		a.sawResult = true
		if e.Text != "" {
			a.output = e.Text
		}
		a.usage = e.Usage
		a.cost = e.Cost
	}
}

// Finalize returns the accumulated output, usage and cost. Usage/cost
// remain nil if no terminal result event was ever observed.
func (a *Accumulator) Finalize() (output string, usage *Usage, cost *float64) {
	return a.output, a.usage, a.cost
}

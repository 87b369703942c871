package eventstream

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLineRecognisesVariants(t *testing.T) {
	cases := []struct {
		line string
		kind Kind
	}{
		{`{"type":"system","model":"claude"}`, KindSystem},
		{`{"type":"assistant","text":"hi"}`, KindAssistant},
		{`{"type":"tool_use","tool":"bash"}`, KindToolUse},
		{`{"type":"result","text":"done","usage":{"input_tokens":10,"output_tokens":5},"cost":0.01}`, KindResult},
		{`{"type":"error","message":"boom"}`, KindError},
		{`not json at all`, KindRaw},
		{`{"type":"unknown_future_type"}`, KindRaw},
	}
	for _, c := range cases {
		e := ParseLine([]byte(c.line))
		require.Equal(t, c.kind, e.Kind, c.line)
	}
}

func TestParseLineTerminalUsageTopLevelCost(t *testing.T) {
	e := ParseLine([]byte(`{"type":"result","text":"done","usage":{"input_tokens":10,"output_tokens":5},"cost":0.02}`))
	require.NotNil(t, e.Usage)
	require.Equal(t, 10, e.Usage.InputTokens)
	require.Equal(t, 5, e.Usage.OutputTokens)
	require.NotNil(t, e.Cost)
	require.Equal(t, 0.02, *e.Cost)
}

func TestParseLineTerminalUsageNestedCost(t *testing.T) {
	e := ParseLine([]byte(`{"type":"result","text":"done","usage":{"input_tokens":10,"output_tokens":5,"cost":0.03}}`))
	require.NotNil(t, e.Cost)
	require.Equal(t, 0.03, *e.Cost)
}

func TestRawEventCarriesVerbatimLine(t *testing.T) {
	e := ParseLine([]byte("not json"))
	require.Equal(t, KindRaw, e.Kind)
	require.Equal(t, "not json", e.Raw)
}

func TestParserRoundTripPreservesSemanticFields(t *testing.T) {
	original := ParseLine([]byte(`{"type":"result","text":"hi there","usage":{"input_tokens":10,"output_tokens":5},"cost":0.01}`))
	reparsed := ParseLine(Format(original))
	require.Equal(t, original.Kind, reparsed.Kind)
	require.Equal(t, original.Text, reparsed.Text)
	require.Equal(t, original.Usage, reparsed.Usage)
	require.Equal(t, *original.Cost, *reparsed.Cost)
}

func TestAccumulatorWithoutTerminalResultConcatenatesAssistantText(t *testing.T) {
	var acc Accumulator
	acc.Add(ParseLine([]byte(`{"type":"assistant","text":"hello "}`)))
	acc.Add(ParseLine([]byte(`{"type":"assistant","text":"world"}`)))
	output, usage, cost := acc.Finalize()
	require.Equal(t, "hello world", output)
	require.Nil(t, usage)
	require.Nil(t, cost)
}

func TestAccumulatorWithTerminalResult(t *testing.T) {
	var acc Accumulator
	acc.Add(ParseLine([]byte(`{"type":"assistant","text":"hi"}`)))
	acc.Add(ParseLine([]byte(`{"type":"result","text":"hi","usage":{"input_tokens":10,"output_tokens":5},"cost":0.01}`)))
	output, usage, cost := acc.Finalize()
	require.Equal(t, "hi", output)
	require.Equal(t, &Usage{InputTokens: 10, OutputTokens: 5}, usage)
	require.Equal(t, 0.01, *cost)
}

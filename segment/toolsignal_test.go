package segment

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseToolCompletion(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantTool string
		wantCat  string
	}{
		{
			name:     "top level fields",
			raw:      `{"type":"tool.completed","name":"markCategoryDone","rubric_category":"scalability"}`,
			wantTool: "markCategoryDone",
			wantCat:  "scalability",
		},
		{
			name: "nested in messages with response body",
			raw: `{"type":"tool.completed","messages":[
				{"role":"tool_calls"},
				{"name":"markCategoryDone","metadata":{"responseBody":{"rubric_category":"reliability"}}}
			]}`,
			wantTool: "markCategoryDone",
			wantCat:  "reliability",
		},
		{
			name:     "tool object and metadata",
			raw:      `{"tool":{"name":"nextTopic"},"metadata":{"responseBody":{"rubric_category":" data model "}}}`,
			wantTool: "nextTopic",
			wantCat:  "data model",
		},
		{
			name:     "top level wins over nested",
			raw:      `{"name":"a","messages":[{"name":"b"}],"rubric_category":"x","metadata":{"responseBody":{"rubric_category":"y"}}}`,
			wantTool: "a",
			wantCat:  "x",
		},
		{
			name:     "non string values ignored",
			raw:      `{"name":42,"tool":{"name":"endCall"},"rubric_category":{"k":"v"}}`,
			wantTool: "endCall",
			wantCat:  "",
		},
		{
			name: "garbled",
			raw:  `not json`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseToolCompletion([]byte(tt.raw))
			assert.Equal(t, tt.wantTool, got.ToolName)
			assert.Equal(t, tt.wantCat, got.Category)
		})
	}
}

func TestToolCompletion_Ignored(t *testing.T) {
	assert.True(t, ToolCompletion{ToolName: "endCall"}.Ignored(DefaultExcludedTools))
	assert.True(t, ToolCompletion{ToolName: "ENDCALL"}.Ignored(DefaultExcludedTools))
	assert.False(t, ToolCompletion{ToolName: "markCategoryDone"}.Ignored(DefaultExcludedTools))
	assert.False(t, ToolCompletion{}.Ignored(DefaultExcludedTools))
}

package toolcall

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/ianktoo/turtle-talk/internal/domain"
)

const threeMissions = `{"choices":[
	{"title":"Wave hello","description":"Wave to a neighbour","theme":"social","difficulty":"easy"},
	{"title":"Draw a turtle","description":"Draw your favourite animal","theme":"artsy","difficulty":"medium"},
	{"title":"Sing a song","description":"Sing for your family","theme":"brave","difficulty":"stretch"}
]}`

func TestCollectorReportMood(t *testing.T) {
	c := NewCollector(nil)

	eff, err := c.Handle(Call{Name: ReportMood, Arguments: `{"mood":"happy"}`})
	require.NoError(t, err)
	require.NotNil(t, eff.Mood)
	assert.Equal(t, domain.MoodHappy, *eff.Mood)

	eff, err = c.Handle(Call{Name: ReportMood, Arguments: `{"mood":"furious"}`})
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultMood, *eff.Mood)

	eff, err = c.Handle(Call{Name: ReportMood, Arguments: ``})
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultMood, *eff.Mood)
}

func TestCollectorRepairsTruncatedArguments(t *testing.T) {
	c := NewCollector(nil)

	eff, err := c.Handle(Call{Name: ReportMood, Arguments: `{"mood": "sad"`})
	require.NoError(t, err)
	assert.Equal(t, domain.MoodSad, *eff.Mood)
}

func TestCollectorSkipsMalformedCall(t *testing.T) {
	c := NewCollector(nil)

	_, err := c.Handle(Call{Name: NoteChildInfo, Arguments: `["not", "an", "object"]`})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformedArguments)

	eff, err := c.Handle(Call{Name: NoteChildInfo, Arguments: `{"childName":"  Mia ","topic":"dinosaurs"}`})
	require.NoError(t, err)
	assert.Equal(t, "Mia", eff.ChildName)
	assert.Equal(t, "dinosaurs", eff.Topic)
}

func TestCollectorBlankChildName(t *testing.T) {
	c := NewCollector(nil)

	eff, err := c.Handle(Call{Name: NoteChildInfo, Arguments: `{"childName":"   "}`})
	require.NoError(t, err)
	assert.Empty(t, eff.ChildName)
}

func TestCollectorUnknownTool(t *testing.T) {
	c := NewCollector(nil)
	_, err := c.Handle(Call{Name: "launch_rocket", Arguments: `{}`})
	assert.ErrorIs(t, err, ErrUnknownTool)
}

func TestCollectorMissionsBufferedUntilTurnCompletes(t *testing.T) {
	c := NewCollector(nil)

	_, err := c.Handle(Call{Name: ProposeMissions, Arguments: threeMissions})
	require.NoError(t, err)

	got := c.CompleteTurn()
	require.Len(t, got, 3)
	assert.Equal(t, domain.DifficultyEasy, got[0].Difficulty)
	assert.Equal(t, domain.DifficultyMedium, got[1].Difficulty)
	assert.Equal(t, domain.DifficultyStretch, got[2].Difficulty)
	assert.Equal(t, domain.ThemeCurious, got[1].Theme)

	assert.Nil(t, c.CompleteTurn(), "buffer must be drained")
}

func TestCollectorRejectsTooFewMissions(t *testing.T) {
	c := NewCollector(nil)

	_, err := c.Handle(Call{Name: ProposeMissions, Arguments: `{"choices":[{"title":"a","description":"b","theme":"kind","difficulty":"easy"}]}`})
	require.NoError(t, err)
	assert.Nil(t, c.CompleteTurn())
}

func TestCollectorPendingEnd(t *testing.T) {
	c := NewCollector(nil)
	assert.False(t, c.PendingEnd())

	_, err := c.Handle(Call{Name: EndConversation, Arguments: `{not json at all`})
	require.NoError(t, err, "end_conversation ignores its arguments")
	assert.True(t, c.PendingEnd())
	assert.True(t, c.ConsumeEnd())
	assert.False(t, c.PendingEnd())
}

func TestCollectorDiscardMissionsKeepsPendingEnd(t *testing.T) {
	c := NewCollector(nil)
	_, err := c.Handle(Call{Name: ProposeMissions, Arguments: threeMissions})
	require.NoError(t, err)
	_, err = c.Handle(Call{Name: EndConversation})
	require.NoError(t, err)

	c.DiscardMissions()
	assert.Nil(t, c.CompleteTurn())
	assert.True(t, c.PendingEnd())

	c.Reset()
	assert.False(t, c.PendingEnd())
}

func TestCollectorProgressNote(t *testing.T) {
	c := NewCollector(nil)
	eff, err := c.Handle(Call{Name: AcknowledgeMissionProgress, Arguments: `{"note":"said hi to Sam","completed":true}`})
	require.NoError(t, err)
	assert.Equal(t, "said hi to Sam", eff.ProgressNote)
}

func TestDefinitions(t *testing.T) {
	defs := Definitions()
	require.Len(t, defs, 5)
	for _, d := range defs {
		assert.True(t, Known(d.Name))
		m, err := d.ParametersMap()
		require.NoError(t, err)
		assert.Equal(t, "object", m["type"])
	}
	assert.False(t, Known("reply"))
}

func TestGeminiTools(t *testing.T) {
	tools := GeminiTools()
	require.Len(t, tools, 1)
	require.Len(t, tools[0].FunctionDeclarations, 5)

	missions := tools[0].FunctionDeclarations[1]
	assert.Equal(t, ProposeMissions, missions.Name)
	assert.Equal(t, genai.TypeObject, missions.Parameters.Type)
	assert.Equal(t, genai.TypeArray, missions.Parameters.Properties["choices"].Type)
	assert.Len(t, missions.Parameters.Properties["choices"].Items.Properties["theme"].Enum, 7)
}

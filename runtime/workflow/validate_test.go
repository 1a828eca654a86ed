package workflow

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func validWorkflow() *Workflow {
	return &Workflow{
		ID:     "wf1",
		UserID: "u1",
		Name:   "test",
		Active: true,
		Nodes: []Node{
			{ID: "start", Type: "noop"},
			{ID: "mid", Type: "set"},
			{ID: "end", Type: "noop"},
		},
		Connections: []Connection{
			{ID: "c1", SourceNodeID: "start", TargetNodeID: "mid"},
			{ID: "c2", SourceNodeID: "mid", TargetNodeID: "end"},
		},
		Triggers: []TriggerDefinition{
			{ID: "t1", Kind: TriggerManual, NodeID: "start", Active: true},
		},
	}
}

func TestValidateOK(t *testing.T) {
	require.NoError(t, Validate(validWorkflow()))
}

func TestValidateMissingID(t *testing.T) {
	wf := validWorkflow()
	wf.ID = ""
	require.Error(t, Validate(wf))
}

func TestValidateDuplicateNodeID(t *testing.T) {
	wf := validWorkflow()
	wf.Nodes = append(wf.Nodes, Node{ID: "start", Type: "noop"})
	require.Error(t, Validate(wf))
}

func TestValidateUnknownConnectionEndpoint(t *testing.T) {
	wf := validWorkflow()
	wf.Connections = append(wf.Connections, Connection{ID: "c3", SourceNodeID: "mid", TargetNodeID: "ghost"})
	require.ErrorIs(t, Validate(wf), ErrUnknownNode)
}

func TestValidateSelfConnection(t *testing.T) {
	wf := validWorkflow()
	wf.Connections = append(wf.Connections, Connection{ID: "c3", SourceNodeID: "mid", TargetNodeID: "mid"})
	require.ErrorIs(t, Validate(wf), ErrSelfConnection)
}

func TestValidateCycle(t *testing.T) {
	wf := validWorkflow()
	wf.Connections = append(wf.Connections, Connection{ID: "c3", SourceNodeID: "end", TargetNodeID: "start"})
	require.ErrorIs(t, Validate(wf), ErrCycle)
}

func TestValidateTriggerUnknownNode(t *testing.T) {
	wf := validWorkflow()
	wf.Triggers = append(wf.Triggers, TriggerDefinition{ID: "t2", Kind: TriggerManual, NodeID: "ghost"})
	require.ErrorIs(t, Validate(wf), ErrUnknownNode)
}

func TestValidateWebhookTrigger(t *testing.T) {
	wf := validWorkflow()
	wf.Triggers = append(wf.Triggers, TriggerDefinition{
		ID: "t2", Kind: TriggerWebhook, NodeID: "start",
		Webhook: &WebhookSettings{Method: "POST", PathTemplate: "orders/:id"},
	})
	require.NoError(t, Validate(wf))

	wf.Triggers[1].Webhook.Method = "TRACE"
	require.Error(t, Validate(wf))

	wf.Triggers[1].Webhook = nil
	require.Error(t, Validate(wf))
}

func TestValidateScheduleTriggerRequiresSettings(t *testing.T) {
	wf := validWorkflow()
	wf.Triggers = append(wf.Triggers, TriggerDefinition{ID: "t2", Kind: TriggerSchedule, NodeID: "start"})
	require.Error(t, Validate(wf))
}

func TestValidateUnknownTriggerKind(t *testing.T) {
	wf := validWorkflow()
	wf.Triggers = append(wf.Triggers, TriggerDefinition{ID: "t2", Kind: "telepathy", NodeID: "start"})
	require.Error(t, Validate(wf))
}

func TestValidateSettingsSchema(t *testing.T) {
	wf := validWorkflow()
	wf.Settings = Settings{
		SaveExecutionToDatabase:  true,
		SaveDataErrorExecution:   SaveAll,
		SaveDataSuccessExecution: SaveNone,
	}
	require.NoError(t, Validate(wf))

	wf.Settings.SaveDataErrorExecution = "sometimes"
	require.Error(t, Validate(wf))
}

func TestWebhookPattern(t *testing.T) {
	s := &WebhookSettings{PathSegment: "abc-123", PathTemplate: "orders/:id"}
	require.Equal(t, "abc-123/orders/:id", s.Pattern())
	s.PathTemplate = ""
	require.Equal(t, "abc-123", s.Pattern())
	s.PathSegment = ""
	require.Equal(t, "", s.Pattern())
}

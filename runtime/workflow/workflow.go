// Package workflow defines the workflow model: typed nodes wired by port-level
// connections, trigger definitions, and the persistence contract for workflow
// documents. Validation enforces the structural invariants the execution
// engine relies on (resolvable endpoints, no self-connections, acyclicity).
package workflow

import (
	"time"
)

type (
	// Workflow is a directed graph of typed nodes with its trigger set and
	// execution settings.
	Workflow struct {
		ID          string              `json:"id"`
		UserID      string              `json:"userId"`
		Name        string              `json:"name"`
		Active      bool                `json:"active"`
		Nodes       []Node              `json:"nodes"`
		Connections []Connection        `json:"connections"`
		Triggers    []TriggerDefinition `json:"triggers"`
		Settings    Settings            `json:"settings"`
		CreatedAt   time.Time           `json:"createdAt"`
		UpdatedAt   time.Time           `json:"updatedAt"`
	}

	// Node is a unit of work in a workflow. Parameters are opaque to the
	// runtime and consumed by the node-type plug-in.
	Node struct {
		ID   string `json:"id"`
		Type string `json:"type"`
		Name string `json:"name"`
		// Parameters is the node configuration consumed by the node handler.
		// The engine never inspects it.
		Parameters map[string]any `json:"parameters,omitempty"`
		Disabled   bool           `json:"disabled,omitempty"`
		Settings   NodeSettings   `json:"settings,omitempty"`
	}

	// NodeSettings holds the per-node options the engine recognizes.
	NodeSettings struct {
		// ContinueOnFail treats handler failures that produce data as
		// successful-with-error-data.
		ContinueOnFail bool `json:"continueOnFail,omitempty"`
		// Compact requests reduced output retention for large payloads.
		Compact bool `json:"compact,omitempty"`
		// Credentials maps credential slots to stored credential ids.
		Credentials map[string]string `json:"credentials,omitempty"`
	}

	// Connection is a directed edge between two node ports.
	Connection struct {
		ID           string `json:"id"`
		SourceNodeID string `json:"sourceNodeId"`
		TargetNodeID string `json:"targetNodeId"`
		// SourceOutput is the source port name; defaults to "main".
		SourceOutput string `json:"sourceOutput,omitempty"`
		// TargetInput is the target port name; defaults to "main".
		TargetInput string `json:"targetInput,omitempty"`
	}

	// TriggerKind discriminates trigger definition variants.
	TriggerKind string

	// TriggerDefinition configures an entry point that starts executions of
	// the workflow.
	TriggerDefinition struct {
		ID     string      `json:"id"`
		Kind   TriggerKind `json:"kind"`
		NodeID string      `json:"nodeId"`
		Active bool        `json:"active"`
		// Webhook holds webhook-specific settings; nil for other kinds.
		Webhook *WebhookSettings `json:"webhook,omitempty"`
		// Schedule holds schedule-specific settings; nil for other kinds.
		Schedule *ScheduleSettings `json:"schedule,omitempty"`
	}

	// WebhookSettings configures a webhook trigger.
	WebhookSettings struct {
		// Method is the required HTTP method (GET, POST, PUT, DELETE, PATCH).
		Method string `json:"method"`
		// PathSegment is an optional literal UUID segment.
		PathSegment string `json:"pathSegment,omitempty"`
		// PathTemplate optionally extends the path; segments of form :name
		// capture one path segment into a parameter.
		PathTemplate string `json:"pathTemplate,omitempty"`
		// Auth configures request authentication.
		Auth WebhookAuth `json:"auth,omitempty"`
		// ResponseMode selects between immediate acknowledgement and a
		// synchronous wait for the designated response node output.
		ResponseMode ResponseMode `json:"responseMode,omitempty"`
		// Options holds the remaining recognized webhook options.
		Options WebhookOptions `json:"options,omitempty"`
	}

	// WebhookAuthKind enumerates webhook authentication modes.
	WebhookAuthKind string

	// WebhookAuth configures webhook request authentication.
	WebhookAuth struct {
		Kind WebhookAuthKind `json:"kind,omitempty"`
		// User/Password apply to basic auth.
		User     string `json:"user,omitempty"`
		Password string `json:"password,omitempty"`
		// Name/Value apply to header and query auth (header or parameter
		// name and its expected value).
		Name  string `json:"name,omitempty"`
		Value string `json:"value,omitempty"`
		// CredentialID resolves auth material through the credential store.
		CredentialID string `json:"credentialId,omitempty"`
	}

	// ResponseMode selects the webhook reply policy.
	ResponseMode string

	// WebhookOptions holds the recognized optional webhook behaviors.
	WebhookOptions struct {
		// AllowedOrigins is a comma-separated origin list; "*" allows any.
		// Entries of form *.example.com allow subdomains.
		AllowedOrigins string `json:"allowedOrigins,omitempty"`
		// BinaryProperty names the item property receiving uploaded files.
		BinaryProperty string `json:"binaryProperty,omitempty"`
		// IgnoreBots rejects requests from known bot user agents.
		IgnoreBots bool `json:"ignoreBots,omitempty"`
		// IPWhitelist is a comma-separated list of addresses or CIDR ranges.
		IPWhitelist string `json:"ipWhitelist,omitempty"`
		// NoResponseBody suppresses the acknowledgement body.
		NoResponseBody bool `json:"noResponseBody,omitempty"`
		// RawBody skips JSON parsing and delivers the body as a string.
		RawBody bool `json:"rawBody,omitempty"`
		// ResponseContentType overrides the reply content type.
		ResponseContentType string `json:"responseContentType,omitempty"`
		// CustomContentType applies when ResponseContentType is "custom".
		CustomContentType string `json:"customContentType,omitempty"`
		// ResponseHeaders are extra headers added to replies.
		ResponseHeaders []Header `json:"responseHeaders,omitempty"`
		// PropertyName filters which request headers reach the workflow
		// (comma-separated allowlist; empty passes all).
		PropertyName string `json:"propertyName,omitempty"`
		// RequestsPerSecond rate-limits the trigger; zero disables limiting.
		RequestsPerSecond float64 `json:"requestsPerSecond,omitempty"`
	}

	// Header is a name/value pair attached to webhook replies.
	Header struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	}

	// ScheduleSettings configures a schedule trigger. Either CronExpression
	// is set directly or Mode describes a higher-level schedule that the
	// registration layer converts to cron.
	ScheduleSettings struct {
		CronExpression string `json:"cronExpression,omitempty"`
		// Timezone is an IANA timezone name; defaults to UTC.
		Timezone    string `json:"timezone,omitempty"`
		Description string `json:"description,omitempty"`
		// Mode is "simple", "cron" or "datetime".
		Mode string `json:"scheduleMode,omitempty"`
		// Interval applies to simple mode: "minute", "hour", "day", "week".
		Interval string `json:"interval,omitempty"`
		// Datetime applies to datetime mode (RFC 3339).
		Datetime string `json:"datetime,omitempty"`
	}

	// SaveDataMode controls whether node data is persisted for a class of
	// executions ("all" or "none").
	SaveDataMode string

	// Settings holds the recognized workflow-level options.
	Settings struct {
		// SaveExecutionToDatabase enables durable execution records.
		SaveExecutionToDatabase bool `json:"saveExecutionToDatabase"`
		// Timezone is the workflow default IANA timezone.
		Timezone string `json:"timezone,omitempty"`
		// SaveExecutionProgress persists per-node rows as the run advances.
		SaveExecutionProgress bool `json:"saveExecutionProgress,omitempty"`
		// SaveDataErrorExecution controls node data retention for failed runs.
		SaveDataErrorExecution SaveDataMode `json:"saveDataErrorExecution,omitempty"`
		// SaveDataSuccessExecution controls node data retention for
		// successful runs.
		SaveDataSuccessExecution SaveDataMode `json:"saveDataSuccessExecution,omitempty"`
	}
)

const (
	// TriggerWebhook starts executions from inbound HTTP requests.
	TriggerWebhook TriggerKind = "webhook"
	// TriggerSchedule starts executions from cron schedules.
	TriggerSchedule TriggerKind = "schedule"
	// TriggerManual starts executions from explicit user action.
	TriggerManual TriggerKind = "manual"
	// TriggerWorkflowCalled starts executions from another workflow.
	TriggerWorkflowCalled TriggerKind = "workflow-called"
)

const (
	// AuthNone accepts all requests.
	AuthNone WebhookAuthKind = "none"
	// AuthBasic validates an Authorization: Basic header.
	AuthBasic WebhookAuthKind = "basic"
	// AuthHeader checks a named header against an expected value.
	AuthHeader WebhookAuthKind = "header"
	// AuthQuery checks a named query parameter against an expected value.
	AuthQuery WebhookAuthKind = "query"
	// AuthCredential resolves auth material through the credential store.
	AuthCredential WebhookAuthKind = "credential"
)

const (
	// ResponseImmediate acknowledges the request as soon as the trigger is
	// handed off.
	ResponseImmediate ResponseMode = "immediate"
	// ResponseLastNode blocks on the result cache and replies with the
	// designated response node output.
	ResponseLastNode ResponseMode = "last-node"
)

const (
	// SaveAll persists node data.
	SaveAll SaveDataMode = "all"
	// SaveNone skips node data persistence.
	SaveNone SaveDataMode = "none"
)

// DefaultPort is the implicit port name used when a connection does not name
// its source output or target input.
const DefaultPort = "main"

// NodeByID returns the node with the given id and whether it exists.
func (w *Workflow) NodeByID(id string) (Node, bool) {
	for _, n := range w.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// SourceOutputOrDefault returns the connection source port, defaulting to
// "main".
func (c Connection) SourceOutputOrDefault() string {
	if c.SourceOutput == "" {
		return DefaultPort
	}
	return c.SourceOutput
}

// TargetInputOrDefault returns the connection target port, defaulting to
// "main".
func (c Connection) TargetInputOrDefault() string {
	if c.TargetInput == "" {
		return DefaultPort
	}
	return c.TargetInput
}

// Pattern returns the webhook path pattern formed by joining the optional
// UUID segment and path template with "/".
func (s *WebhookSettings) Pattern() string {
	switch {
	case s.PathSegment != "" && s.PathTemplate != "":
		return s.PathSegment + "/" + s.PathTemplate
	case s.PathSegment != "":
		return s.PathSegment
	default:
		return s.PathTemplate
	}
}

package voice

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/twilio/twilio-go"
	studio "github.com/twilio/twilio-go/rest/studio/v2"
)

// StudioClient runs interaction scripts as Twilio Studio flows. A script ID is a flow SID.
type StudioClient struct {
	client   *twilio.RestClient
	from     string
	maxSteps int
}

// NewStudioClient creates a client calling from the given number
func NewStudioClient(accountSID, authToken, from string, maxSteps int) *StudioClient {
	return &StudioClient{
		client: twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: accountSID,
			Password: authToken,
		}),
		from:     from,
		maxSteps: maxSteps,
	}
}

// Start creates a flow execution that calls phone
func (c *StudioClient) Start(_ context.Context, scriptID, phone string) (Handle, error) {
	params := &studio.CreateExecutionParams{}
	params.SetTo(phone)
	params.SetFrom(c.from)

	execution, err := c.client.StudioV2.CreateExecution(scriptID, params)
	if err != nil {
		return Handle{}, fmt.Errorf("%w: create execution of %s: %v", ErrUnavailable, scriptID, err)
	}
	if execution.Sid == nil {
		return Handle{}, fmt.Errorf("%w: execution of %s has no sid", ErrUnavailable, scriptID)
	}
	return Handle{ScriptID: scriptID, ExecutionSID: *execution.Sid}, nil
}

// Poll fetches the execution state, its most recent steps and, once ended, the flow variables
func (c *StudioClient) Poll(_ context.Context, h Handle) (Status, error) {
	execution, err := c.client.StudioV2.FetchExecution(h.ScriptID, h.ExecutionSID)
	if err != nil {
		return Status{}, fmt.Errorf("fetch execution %s: %w", h.ExecutionSID, err)
	}
	st := Status{State: deref(execution.Status)}
	st.Finished = st.State == "ended"

	listParams := &studio.ListExecutionStepParams{}
	listParams.SetLimit(c.maxSteps)
	steps, err := c.client.StudioV2.ListExecutionStep(h.ScriptID, h.ExecutionSID, listParams)
	if err != nil {
		return Status{}, fmt.Errorf("list steps of %s: %w", h.ExecutionSID, err)
	}
	for _, s := range steps {
		st.Steps = append(st.Steps, Step{SID: deref(s.Sid), Name: deref(s.Name)})
	}

	if !st.Finished || len(st.Steps) == 0 {
		return st, nil
	}

	// steps are listed newest first; the last step's context holds the final flow variables
	stepCtx, err := c.client.StudioV2.FetchExecutionStepContext(h.ScriptID, h.ExecutionSID, st.Steps[0].SID)
	if err != nil {
		return Status{}, fmt.Errorf("fetch context of step %s: %w", st.Steps[0].SID, err)
	}
	raw, err := json.Marshal(stepCtx.Context)
	if err != nil {
		return Status{}, fmt.Errorf("encode step context: %w", err)
	}
	vars, err := FlowVariables(raw)
	if err != nil {
		return Status{}, err
	}
	st.Variables = vars
	return st, nil
}

// FlowVariables extracts flow.variables from a Studio step context document as strings
func FlowVariables(raw []byte) (map[string]string, error) {
	var doc struct {
		Flow struct {
			Variables map[string]interface{} `json:"variables"`
		} `json:"flow"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode step context: %w", err)
	}
	vars := make(map[string]string, len(doc.Flow.Variables))
	for k, v := range doc.Flow.Variables {
		switch val := v.(type) {
		case nil:
			continue
		case string:
			vars[k] = val
		default:
			vars[k] = fmt.Sprint(val)
		}
	}
	return vars, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

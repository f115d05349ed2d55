// Package api exposes the REST surface of the engine: workflow definitions,
// workflow executions, task executions and action definitions under /v2. It
// is a thin JSON layer: all semantics live in the engine and the services the
// handlers delegate to.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"

	"goa.design/clue/log"

	"github.com/maestroflow/maestro/action"
	"github.com/maestroflow/maestro/rpc"
	"github.com/maestroflow/maestro/store"
	"github.com/maestroflow/maestro/workflow"
	"github.com/maestroflow/maestro/workflow/parser"
)

type (
	// Options configures the REST server.
	Options struct {
		// Engine executes workflow operations. Required.
		Engine rpc.EngineClient
		// Store reads execution and task state. Required.
		Store store.Store
		// Catalog holds workflow definitions. Required.
		Catalog *parser.Catalog
		// Actions manages action definitions. Required.
		Actions *action.Service
	}

	// Server serves the /v2 REST surface.
	Server struct {
		engine  rpc.EngineClient
		store   store.Store
		catalog *parser.Catalog
		actions *action.Service
	}
)

// New validates the options and returns a Server.
func New(opts Options) (*Server, error) {
	if opts.Engine == nil {
		return nil, errors.New("engine is required")
	}
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Catalog == nil {
		return nil, errors.New("catalog is required")
	}
	if opts.Actions == nil {
		return nil, errors.New("actions service is required")
	}
	return &Server{
		engine:  opts.Engine,
		store:   opts.Store,
		catalog: opts.Catalog,
		actions: opts.Actions,
	}, nil
}

// Handler returns the HTTP handler for the /v2 surface.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v2/workflows", s.createWorkflows)
	mux.HandleFunc("PUT /v2/workflows", s.updateWorkflows)
	mux.HandleFunc("GET /v2/workflows", s.listWorkflows)
	mux.HandleFunc("GET /v2/workflows/{name}", s.getWorkflow)

	mux.HandleFunc("POST /v2/executions", s.startExecution)
	mux.HandleFunc("GET /v2/executions", s.listExecutions)
	mux.HandleFunc("GET /v2/executions/{id}", s.getExecution)
	mux.HandleFunc("PUT /v2/executions/{id}", s.updateExecution)
	mux.HandleFunc("GET /v2/executions/{id}/tasks", s.listExecutionTasks)

	mux.HandleFunc("GET /v2/tasks", s.listTasks)
	mux.HandleFunc("GET /v2/tasks/{id}", s.getTask)
	mux.HandleFunc("PUT /v2/tasks/{id}", s.completeTask)

	mux.HandleFunc("POST /v2/actions", s.createAction)
	mux.HandleFunc("PUT /v2/actions", s.updateAction)
	mux.HandleFunc("GET /v2/actions", s.listActions)
	mux.HandleFunc("GET /v2/actions/{name}", s.getAction)

	return mux
}

// --- workflows ---

type workflowDefinitionRequest struct {
	// Definition is the YAML workflow (or workbook) document.
	Definition string `json:"definition"`
}

type workflowView struct {
	Name  string        `json:"name"`
	Type  workflow.Type `json:"type"`
	Input []string      `json:"input,omitempty"`
	Tasks []string      `json:"tasks"`
}

func (s *Server) createWorkflows(w http.ResponseWriter, r *http.Request) {
	var req workflowDefinitionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeStatus(w, http.StatusBadRequest, err)
		return
	}
	specs, err := s.catalog.CreateWorkflows(req.Definition)
	if err != nil {
		if errors.Is(err, workflow.ErrDuplicate) {
			writeError(r.Context(), w, err)
		} else {
			writeStatus(w, http.StatusBadRequest, err)
		}
		return
	}
	writeJSON(r.Context(), w, http.StatusCreated, workflowViews(specs))
}

func (s *Server) updateWorkflows(w http.ResponseWriter, r *http.Request) {
	var req workflowDefinitionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeStatus(w, http.StatusBadRequest, err)
		return
	}
	specs, err := s.catalog.UpdateWorkflows(req.Definition)
	if err != nil {
		writeStatus(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(r.Context(), w, http.StatusOK, workflowViews(specs))
}

func (s *Server) listWorkflows(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, workflowViews(s.catalog.List()))
}

func (s *Server) getWorkflow(w http.ResponseWriter, r *http.Request) {
	spec, err := s.catalog.Get(r.PathValue("name"))
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(r.Context(), w, http.StatusOK, newWorkflowView(spec))
}

func workflowViews(specs []*workflow.Spec) []workflowView {
	views := make([]workflowView, len(specs))
	for i, spec := range specs {
		views[i] = newWorkflowView(spec)
	}
	return views
}

func newWorkflowView(spec *workflow.Spec) workflowView {
	v := workflowView{Name: spec.Name, Type: spec.Type}
	for _, p := range spec.Input {
		v.Input = append(v.Input, p.Name)
	}
	for _, name := range spec.TaskOrder {
		v.Tasks = append(v.Tasks, name)
	}
	return v
}

// --- executions ---

type startExecutionRequest struct {
	WorkflowName string         `json:"workflow_name"`
	Input        map[string]any `json:"input,omitempty"`
	Params       map[string]any `json:"params,omitempty"`
}

type updateExecutionRequest struct {
	State     workflow.State `json:"state"`
	StateInfo string         `json:"state_info,omitempty"`
}

type executionView struct {
	ID           string         `json:"id"`
	WorkflowName string         `json:"workflow_name"`
	State        workflow.State `json:"state"`
	StateInfo    string         `json:"state_info,omitempty"`
	Input        string         `json:"input,omitempty"`
	Output       string         `json:"output,omitempty"`
	Params       string         `json:"params,omitempty"`
	CreatedAt    string         `json:"created_at"`
	UpdatedAt    string         `json:"updated_at"`
}

func (s *Server) startExecution(w http.ResponseWriter, r *http.Request) {
	var req startExecutionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeStatus(w, http.StatusBadRequest, err)
		return
	}
	ex, err := s.engine.StartWorkflow(r.Context(), req.WorkflowName, req.Input, req.Params)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(r.Context(), w, http.StatusCreated, newExecutionView(ex))
}

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request) {
	exs, err := s.store.ListWorkflowExecutions(r.Context())
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	views := make([]executionView, len(exs))
	for i, ex := range exs {
		views[i] = newExecutionView(ex)
	}
	writeJSON(r.Context(), w, http.StatusOK, views)
}

func (s *Server) getExecution(w http.ResponseWriter, r *http.Request) {
	ex, err := s.store.GetWorkflowExecution(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(r.Context(), w, http.StatusOK, newExecutionView(ex))
}

// updateExecution drives the execution state machine from the outside:
// PAUSED pauses, RUNNING resumes, SUCCESS and ERROR stop the workflow.
func (s *Server) updateExecution(w http.ResponseWriter, r *http.Request) {
	var req updateExecutionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeStatus(w, http.StatusBadRequest, err)
		return
	}
	id := r.PathValue("id")
	var (
		ex  *workflow.Execution
		err error
	)
	switch req.State {
	case workflow.StatePaused:
		ex, err = s.engine.PauseWorkflow(r.Context(), id)
	case workflow.StateRunning:
		ex, err = s.engine.ResumeWorkflow(r.Context(), id)
	case workflow.StateSuccess, workflow.StateError:
		ex, err = s.engine.StopWorkflow(r.Context(), id, req.State, req.StateInfo)
	default:
		writeStatus(w, http.StatusBadRequest, fmt.Errorf("cannot change execution state to %q", req.State))
		return
	}
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(r.Context(), w, http.StatusOK, newExecutionView(ex))
}

func (s *Server) listExecutionTasks(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetWorkflowExecution(r.Context(), id); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	tasks, err := s.store.ListTaskExecutions(r.Context(), store.TaskFilter{WorkflowExecutionID: id})
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(r.Context(), w, http.StatusOK, taskViews(tasks))
}

func newExecutionView(ex *workflow.Execution) executionView {
	return executionView{
		ID:           ex.ID,
		WorkflowName: ex.WorkflowName,
		State:        ex.State,
		StateInfo:    ex.StateInfo,
		Input:        jsonText(ex.Input),
		Output:       jsonText(ex.Output),
		Params:       jsonText(ex.StartParams),
		CreatedAt:    ex.CreatedAt.UTC().Format(timeLayout),
		UpdatedAt:    ex.UpdatedAt.UTC().Format(timeLayout),
	}
}

// --- tasks ---

type completeTaskRequest struct {
	State workflow.State `json:"state"`
	// Result is JSON text; required format is enforced before the result is
	// applied.
	Result string `json:"result,omitempty"`
}

type taskView struct {
	ID                  string         `json:"id"`
	Name                string         `json:"name"`
	WorkflowExecutionID string         `json:"workflow_execution_id"`
	State               workflow.State `json:"state"`
	StateInfo           string         `json:"state_info,omitempty"`
	Input               string         `json:"input,omitempty"`
	Result              string         `json:"result,omitempty"`
	Published           string         `json:"published,omitempty"`
	Processed           bool           `json:"processed"`
	CreatedAt           string         `json:"created_at"`
	UpdatedAt           string         `json:"updated_at"`
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.ListTaskExecutions(r.Context(), store.TaskFilter{})
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(r.Context(), w, http.StatusOK, taskViews(tasks))
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetTaskExecution(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(r.Context(), w, http.StatusOK, newTaskView(task))
}

// completeTask is the external completion channel: long-running work done
// outside a worker reports its outcome here and the engine applies it exactly
// as it would a worker result.
func (s *Server) completeTask(w http.ResponseWriter, r *http.Request) {
	var req completeTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeStatus(w, http.StatusBadRequest, err)
		return
	}
	if req.State != workflow.StateSuccess && req.State != workflow.StateError {
		writeStatus(w, http.StatusBadRequest, fmt.Errorf("task state must be %q or %q, got %q",
			workflow.StateSuccess, workflow.StateError, req.State))
		return
	}
	var payload any
	if req.Result != "" {
		if err := json.Unmarshal([]byte(req.Result), &payload); err != nil {
			writeError(r.Context(), w, &workflow.InvalidResultError{Reason: err.Error()})
			return
		}
	}
	var result workflow.TaskResult
	if req.State == workflow.StateError {
		if payload == nil {
			payload = "Unknown error"
		}
		result = workflow.ErrorResult(payload)
	} else {
		result = workflow.SuccessResult(payload)
	}
	id := r.PathValue("id")
	if err := s.engine.OnTaskResult(r.Context(), id, result); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	task, err := s.store.GetTaskExecution(r.Context(), id)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(r.Context(), w, http.StatusOK, newTaskView(task))
}

func taskViews(tasks []*workflow.TaskExecution) []taskView {
	views := make([]taskView, len(tasks))
	for i, task := range tasks {
		views[i] = newTaskView(task)
	}
	return views
}

func newTaskView(task *workflow.TaskExecution) taskView {
	return taskView{
		ID:                  task.ID,
		Name:                task.Name,
		WorkflowExecutionID: task.WorkflowExecutionID,
		State:               task.State,
		StateInfo:           task.StateInfo,
		Input:               jsonText(task.Input),
		Result:              jsonText(task.Result),
		Published:           jsonText(task.Published),
		Processed:           task.Processed,
		CreatedAt:           task.CreatedAt.UTC().Format(timeLayout),
		UpdatedAt:           task.UpdatedAt.UTC().Format(timeLayout),
	}
}

// --- actions ---

type actionRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Definition  string `json:"definition,omitempty"`
}

type actionView struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Definition  string `json:"definition,omitempty"`
	IsSystem    bool   `json:"is_system"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

func (s *Server) createAction(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeStatus(w, http.StatusBadRequest, err)
		return
	}
	if req.Name == "" {
		writeStatus(w, http.StatusBadRequest, errors.New("action name is required"))
		return
	}
	def, err := s.actions.Create(r.Context(), req.Name, req.Description, req.Definition)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(r.Context(), w, http.StatusCreated, newActionView(def))
}

func (s *Server) updateAction(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeStatus(w, http.StatusBadRequest, err)
		return
	}
	def, err := s.actions.Update(r.Context(), req.Name, req.Description, req.Definition)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(r.Context(), w, http.StatusOK, newActionView(def))
}

func (s *Server) listActions(w http.ResponseWriter, r *http.Request) {
	defs, err := s.actions.List(r.Context())
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	views := make([]actionView, len(defs))
	for i, def := range defs {
		views[i] = newActionView(def)
	}
	writeJSON(r.Context(), w, http.StatusOK, views)
}

func (s *Server) getAction(w http.ResponseWriter, r *http.Request) {
	def, err := s.actions.Get(r.Context(), r.PathValue("name"))
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(r.Context(), w, http.StatusOK, newActionView(def))
}

func newActionView(def *workflow.ActionDefinition) actionView {
	return actionView{
		Name:        def.Name,
		Description: def.Description,
		Definition:  def.Definition,
		IsSystem:    def.IsSystem,
		CreatedAt:   def.CreatedAt.UTC().Format(timeLayout),
		UpdatedAt:   def.UpdatedAt.UTC().Format(timeLayout),
	}
}

// --- plumbing ---

const timeLayout = "2006-01-02T15:04:05.000000Z"

type errorBody struct {
	Error string `json:"error"`
}

func decodeJSON(r *http.Request, v any) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return fmt.Errorf("read request body: %w", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

// jsonText renders a JSON-typed field as text, the form stored fields take on
// the wire. Nil values render empty, including typed nils such as a nil
// result pointer.
func jsonText(v any) string {
	if v == nil {
		return ""
	}
	switch rv := reflect.ValueOf(v); rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice:
		if rv.IsNil() {
			return ""
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf(ctx, err, "encode response")
	}
}

func writeStatus(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: err.Error()})
}

// writeError maps domain errors onto HTTP status codes.
func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	var (
		invalidInput  *workflow.InvalidInputError
		invalidAction *workflow.InvalidActionError
		invalidResult *workflow.InvalidResultError
	)
	switch {
	case errors.Is(err, workflow.ErrNotFound):
		writeStatus(w, http.StatusNotFound, err)
	case errors.Is(err, workflow.ErrDuplicate):
		writeStatus(w, http.StatusConflict, err)
	case errors.As(err, &invalidInput), errors.As(err, &invalidAction), errors.As(err, &invalidResult),
		errors.Is(err, action.ErrSystemAction):
		writeStatus(w, http.StatusBadRequest, err)
	default:
		log.Errorf(ctx, err, "request failed")
		writeStatus(w, http.StatusInternalServerError, err)
	}
}

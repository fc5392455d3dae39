package api

import (
	"encoding/json"
	"regexp"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/galaxy/internal/models"
)

var extPattern = regexp.MustCompile(`^\.?[A-Za-z0-9]{1,16}$`)

// ExecuteRequest is the body of POST /api/bind/execute.
type ExecuteRequest struct {
	Code   string          `json:"code,omitempty"`
	Label  string          `json:"label,omitempty"`
	Input  json.RawMessage `json:"input,omitempty"`
	Output json.RawMessage `json:"output,omitempty"`
	TaskID string          `json:"taskId,omitempty"`
}

// Validate implements validation.Validatable.
func (r *ExecuteRequest) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.Code, validation.When(r.Label == "", validation.Required.Error("code or label is required"))),
		validation.Field(&r.Label, validation.Length(0, 256)),
		validation.Field(&r.TaskID, validation.Length(0, 128)),
	)
}

// Task converts the request into a task for the dispatcher.
func (r *ExecuteRequest) Task() models.ExecutionTask {
	return models.ExecutionTask{
		ID:     r.TaskID,
		Code:   r.Code,
		Label:  r.Label,
		Input:  r.Input,
		Output: r.Output,
	}
}

// ExecuteResponse acknowledges a dispatched task before it runs.
type ExecuteResponse struct {
	Dispatched bool   `json:"dispatched"`
	TaskID     string `json:"taskId"`
}

// ExecutePythonRequest is the body of POST /api/bind/execute-python.
type ExecutePythonRequest struct {
	Code string `json:"code"`
}

// Validate implements validation.Validatable.
func (r *ExecutePythonRequest) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.Code, validation.Required.Error("Invalid Python code provided")),
	)
}

// SaveSceneRequest is the body of POST /api/bind/save-scene. SceneData may
// be a JSON string or any JSON document.
type SaveSceneRequest struct {
	SceneName string          `json:"sceneName"`
	SceneData json.RawMessage `json:"sceneData"`
}

// Validate implements validation.Validatable.
func (r *SaveSceneRequest) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.SceneName, validation.Required, validation.Length(1, 256)),
		validation.Field(&r.SceneData, validation.Required),
	)
}

// Data returns the scene text, unquoting a JSON string payload.
func (r *SaveSceneRequest) Data() string {
	var s string
	if err := json.Unmarshal(r.SceneData, &s); err == nil {
		return s
	}
	return string(r.SceneData)
}

// StoreRequest is the body of POST /api/bind/store.
type StoreRequest struct {
	Text string `json:"text"`
	Ext  string `json:"ext"`
}

// Validate implements validation.Validatable.
func (r *StoreRequest) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.Text, validation.Required),
		validation.Field(&r.Ext, validation.Required, validation.Match(extPattern)),
	)
}

// StoreResponse names the content address of stored text.
type StoreResponse struct {
	Key string `json:"key"`
	URL string `json:"url"`
}

// ScriptResultRequest is posted by the page after running a script.
type ScriptResultRequest struct {
	Result string `json:"result"`
	Error  string `json:"error,omitempty"`
}

// MacroListResponse lists the registered macros.
type MacroListResponse struct {
	Macros   []models.MacroDefinition `json:"macros"`
	Fallback string                   `json:"fallback"`
	Startup  string                   `json:"startup"`
}

// SceneListResponse lists saved scenes without their data.
type SceneListResponse struct {
	Scenes []models.Scene `json:"scenes"`
}

// AssetUploadResponse is returned after a successful asset upload.
type AssetUploadResponse struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	URL      string `json:"url"`
}

package agent

import (
	"encoding/json"
	"fmt"
)

const (
	subjectPrefix = "agent."

	MethodPing                        = "ping"
	MethodGetTask                     = "get_task"
	MethodCancelTask                  = "cancel_task"
	MethodCompilePackage              = "compile_package"
	MethodCompilePackageWithSignedURL = "compile_package_with_signed_url"

	StateRunning = "running"
	StateDone    = "done"
)

// Subject is where the agent with the given id listens.
func Subject(agentID string) string {
	return subjectPrefix + agentID
}

// Request is what the director sends. Arguments are positional.
type Request struct {
	Method    string        `json:"method"`
	Arguments []interface{} `json:"arguments"`
	ReplyTo   string        `json:"reply_to"`
}

// Response carries either a value or an exception.
type Response struct {
	Value     json.RawMessage `json:"value,omitempty"`
	Exception *Exception      `json:"exception,omitempty"`
}

type Exception struct {
	Message string `json:"message"`
}

// TaskState is the value of a long-running method until it finishes.
type TaskState struct {
	AgentTaskID string `json:"agent_task_id"`
	State       string `json:"state"`
}

// DependencySpec describes one compiled dependency the agent must
// install before compiling. Exactly one of BlobstoreID and
// PackageGetSignedURL is set.
type DependencySpec struct {
	Name                string            `json:"name"`
	Version             string            `json:"version"`
	SHA1                string            `json:"sha1"`
	BlobstoreID         string            `json:"blobstore_id,omitempty"`
	PackageGetSignedURL string            `json:"package_get_signed_url,omitempty"`
	BlobstoreHeaders    map[string]string `json:"blobstore_headers,omitempty"`
}

// CompilePackageArgs asks the agent to fetch the source from the
// blobstore itself and upload the result under an id it chooses.
type CompilePackageArgs struct {
	BlobstoreID  string
	SHA1         string
	Name         string
	Version      string
	Dependencies map[string]DependencySpec
}

func (a CompilePackageArgs) arguments() []interface{} {
	deps := a.Dependencies
	if deps == nil {
		deps = map[string]DependencySpec{}
	}
	return []interface{}{a.BlobstoreID, a.SHA1, a.Name, a.Version, deps}
}

// SignedURLRequest asks the agent to move blobs through signed URLs;
// the upload URL points at a blob id the director picked.
type SignedURLRequest struct {
	PackageGetSignedURL string                    `json:"package_get_signed_url"`
	UploadSignedURL     string                    `json:"upload_signed_url"`
	Digest              string                    `json:"digest"`
	Name                string                    `json:"name"`
	Version             string                    `json:"version"`
	Dependencies        map[string]DependencySpec `json:"deps"`
	BlobstoreHeaders    map[string]string         `json:"blobstore_headers,omitempty"`
}

// CompileResult is the value of a finished compile.
type CompileResult struct {
	Result struct {
		SHA1        string `json:"sha1"`
		BlobstoreID string `json:"blobstore_id"`
	} `json:"result"`
}

// TaskError is an exception raised by the agent.
type TaskError struct {
	AgentID string
	Method  string
	Message string
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("agent %s: %s failed: %s", e.AgentID, e.Method, e.Message)
}

package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"
)

// ExternalCPI drives a cloud through a CPI executable: one JSON
// request on stdin, one JSON response on stdout, per call.
type ExternalCPI struct {
	path         string
	directorUUID string
	logger       log.Logger
}

var _ Cloud = &ExternalCPI{}

func NewExternalCPI(path, directorUUID string, logger log.Logger) *ExternalCPI {
	return &ExternalCPI{
		path:         path,
		directorUUID: directorUUID,
		logger:       log.With(logger, "component", "cpi"),
	}
}

type cpiRequest struct {
	Method    string                 `json:"method"`
	Arguments []interface{}          `json:"arguments"`
	Context   map[string]interface{} `json:"context"`
}

type cpiResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *CPIError       `json:"error"`
	Log    string          `json:"log"`
}

// CPIError is an error reported by the CPI itself.
type CPIError struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	OKToRetry bool   `json:"ok_to_retry"`
}

func (e *CPIError) Error() string {
	return fmt.Sprintf("CPI error '%s' with message '%s'", e.Type, e.Message)
}

func (c *ExternalCPI) CreateVM(ctx context.Context, spec VMSpec) (string, error) {
	var cid string
	err := c.call(ctx, "create_vm", []interface{}{
		spec.AgentID,
		spec.Stemcell.CID,
		orEmpty(spec.CloudProperties),
		orEmpty(spec.Networks),
		[]string{},
		orEmpty(spec.Env),
	}, &cid)
	if err == nil && cid == "" {
		err = errors.New("CPI create_vm returned no VM cid")
	}
	return cid, err
}

func (c *ExternalCPI) DeleteVM(ctx context.Context, cid string) error {
	return c.call(ctx, "delete_vm", []interface{}{cid}, nil)
}

func (c *ExternalCPI) call(ctx context.Context, method string, args []interface{}, result interface{}) error {
	req, err := json.Marshal(cpiRequest{
		Method:    method,
		Arguments: args,
		Context:   map[string]interface{}{"director_uuid": c.directorUUID},
	})
	if err != nil {
		return err
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.path)
	cmd.Stdin = bytes.NewReader(req)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return errors.Wrapf(err, "running CPI %s: %s", method, stderr.String())
	}

	var resp cpiResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return errors.Wrapf(err, "decoding CPI %s response", method)
	}
	if resp.Log != "" {
		c.logger.Log("method", method, "cpi_log", resp.Log)
	}
	if resp.Error != nil {
		return resp.Error
	}
	if result == nil || len(resp.Result) == 0 {
		return nil
	}
	return errors.Wrapf(json.Unmarshal(resp.Result, result), "decoding CPI %s result", method)
}

func orEmpty(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}

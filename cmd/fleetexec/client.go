package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/andrej220/fleetexec/internal/errors"
	"github.com/andrej220/fleetexec/internal/serverutil"
	"github.com/andrej220/fleetexec/pkg/models"
)

// client talks to a running "fleetexec serve".
type client struct {
	base  string
	actor string
	http  *http.Client
}

func newClient(base, actor string) *client {
	return &client{
		base:  strings.TrimRight(base, "/"),
		actor: actor,
		http:  &http.Client{Timeout: 30 * time.Second},
	}
}

type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

func (c *client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return errors.Wrap(err, "create request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.actor != "" {
		req.Header.Set("X-Actor", c.actor)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &apiError{Status: resp.StatusCode, Message: e.Error}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errors.Wrap(err, "decode response")
		}
	}
	return nil
}

func (c *client) SaveJob(ctx context.Context, job *models.Job) error {
	return c.do(ctx, http.MethodPut, "/jobs", job, job)
}

func (c *client) CreateSchedule(ctx context.Context, s *models.Schedule) error {
	return c.do(ctx, http.MethodPost, "/schedules", s, s)
}

func (c *client) Submit(ctx context.Context, req models.SubmitRequest) (string, error) {
	var resp models.SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/executions", req, &resp); err != nil {
		return "", err
	}
	return resp.ExecutionID, nil
}

func (c *client) GetExecution(ctx context.Context, id string) (*models.Execution, error) {
	var e models.Execution
	if err := c.do(ctx, http.MethodGet, "/executions/"+id, nil, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (c *client) Cancel(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/executions/"+id+"/cancel", nil, nil)
}

func (c *client) Terminate(ctx context.Context, id, reason string) error {
	return c.do(ctx, http.MethodPost, "/executions/"+id+"/terminate", serverutil.TerminateRequest{Reason: reason}, nil)
}

func (c *client) Health(ctx context.Context) (*serverutil.HealthResponse, error) {
	var h serverutil.HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

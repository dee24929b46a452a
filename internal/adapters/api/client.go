// Package api is the REST client for the classroom server. It gives a remote
// participant the same stores and token issuer the server uses.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/dkeye/Classroom/internal/core"
	"github.com/dkeye/Classroom/internal/domain"
	"github.com/rs/zerolog/log"
)

const identityHeader = "X-User-ID"

var (
	_ core.Stores      = (*Client)(nil)
	_ core.TokenIssuer = (*Client)(nil)
)

// StatusError is a non-2xx reply. It matches core.ErrNotFound for 404 and
// core.ErrAccessDenied for 401/403 under errors.Is.
type StatusError struct {
	Method  string
	Path    string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Code, e.Message)
}

func (e *StatusError) Is(target error) bool {
	switch target {
	case core.ErrNotFound:
		return e.Code == http.StatusNotFound
	case core.ErrAccessDenied:
		return e.Code == http.StatusUnauthorized || e.Code == http.StatusForbidden
	}
	return false
}

// Client makes REST calls as one identity.
type Client struct {
	baseURL  string
	identity domain.UserID
	client   *http.Client
}

// NewClient creates a client targeting baseURL (e.g. "http://127.0.0.1:8080").
func NewClient(baseURL string, identity domain.UserID) *Client {
	return &Client{
		baseURL:  baseURL,
		identity: identity,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) ModuleOwnerCourse(ctx context.Context, id domain.ModuleID) (domain.CourseID, error) {
	var out struct {
		CourseID domain.CourseID `json:"course_id"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/modules/"+url.PathEscape(string(id))+"/owner", nil, &out); err != nil {
		return "", err
	}
	return out.CourseID, nil
}

func (c *Client) CourseTeacher(ctx context.Context, id domain.CourseID) (domain.UserID, error) {
	var out struct {
		TeacherID domain.UserID `json:"teacher_id"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/courses/"+url.PathEscape(string(id))+"/teacher", nil, &out); err != nil {
		return "", err
	}
	return out.TeacherID, nil
}

func (c *Client) GetModule(ctx context.Context, id domain.ModuleID) (*domain.Module, error) {
	var m domain.Module
	if err := c.do(ctx, http.MethodGet, "/api/modules/"+url.PathEscape(string(id)), nil, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// SetModuleStatus is accepted only from the module's owner.
func (c *Client) SetModuleStatus(ctx context.Context, id domain.ModuleID, status domain.ModuleStatus) error {
	body := map[string]domain.ModuleStatus{"status": status}
	return c.do(ctx, http.MethodPut, "/api/modules/"+url.PathEscape(string(id))+"/status", body, nil)
}

func (c *Client) GetProfile(ctx context.Context, id domain.UserID) (*domain.User, error) {
	var u domain.User
	if err := c.do(ctx, http.MethodGet, "/api/profiles/"+url.PathEscape(string(id)), nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (c *Client) History(ctx context.Context, id domain.ModuleID) ([]domain.ChatMessage, error) {
	var out []domain.ChatMessage
	if err := c.do(ctx, http.MethodGet, "/api/modules/"+url.PathEscape(string(id))+"/messages", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Insert posts msg.Text as this client's identity. The server assigns the
// id, sender and timestamp.
func (c *Client) Insert(ctx context.Context, msg domain.ChatMessage) (domain.ChatMessage, error) {
	body := map[string]string{"message_text": msg.Text}
	var out domain.ChatMessage
	if err := c.do(ctx, http.MethodPost, "/api/modules/"+url.PathEscape(string(msg.SessionID))+"/messages", body, &out); err != nil {
		return domain.ChatMessage{}, err
	}
	return out, nil
}

func (c *Client) IssueToken(ctx context.Context, roomName, participantName string) (string, error) {
	body := map[string]string{"roomName": roomName, "participantName": participantName}
	var out struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/token", body, &out); err != nil {
		return "", err
	}
	return out.Token, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.identity != "" {
		req.Header.Set(identityHeader, string(c.identity))
	}
	resp, err := c.client.Do(req)
	if err != nil {
		log.Debug().Err(err).Str("module", "api").Str("path", path).Msg("request failed")
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		var reply struct {
			Error string `json:"error"`
		}
		msg := string(raw)
		if json.Unmarshal(raw, &reply) == nil && reply.Error != "" {
			msg = reply.Error
		}
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%s %s: decode: %w", method, path, err)
	}
	return nil
}

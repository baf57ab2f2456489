package careplatform

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/ehr/episodesync/internal/syncerr"
)

// HTTPConfig configures HTTPClient. Without a secret no Authorization header
// is sent.
type HTTPConfig struct {
	BaseURL   string
	ClientID  string
	JWTSecret string
	Timeout   time.Duration
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiResponse struct {
	Data  json.RawMessage `json:"data"`
	Error *apiError       `json:"error"`
}

// HTTPClient implements Platform over the platform's JSON API.
type HTTPClient struct {
	http   *resty.Client
	logger zerolog.Logger
}

var _ Platform = (*HTTPClient)(nil)

func NewHTTPClient(cfg HTTPConfig, logger zerolog.Logger) *HTTPClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	if cfg.JWTSecret != "" {
		tokens := newTokenSource(cfg.ClientID, cfg.JWTSecret)
		client.OnBeforeRequest(func(_ *resty.Client, r *resty.Request) error {
			tok, err := tokens.Token()
			if err != nil {
				return err
			}
			r.SetAuthToken(tok)
			return nil
		})
	}

	return &HTTPClient{
		http:   client,
		logger: logger.With().Str("component", "careplatform").Logger(),
	}
}

// do sends one request and decodes the envelope's data into out when out is
// non-nil.
func (c *HTTPClient) do(ctx context.Context, method, path string, query map[string]string, body, out any) error {
	req := c.http.R().SetContext(ctx)
	if query != nil {
		req.SetQueryParams(query)
	}
	if body != nil {
		req.SetBody(body)
	}

	start := time.Now()
	resp, err := req.Execute(method, path)
	if err != nil {
		return syncerr.Comm(fmt.Errorf("%s %s: %w", method, path, err))
	}
	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode()).
		Dur("duration", time.Since(start)).
		Msg("platform request")

	var env apiResponse
	if raw := resp.Body(); len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil {
			if resp.IsError() {
				return syncerr.Remote(strconv.Itoa(resp.StatusCode()), resp.Status())
			}
			return syncerr.Format(fmt.Errorf("%s %s: decode response: %w", method, path, err))
		}
	}
	if env.Error != nil {
		return syncerr.Remote(env.Error.Code, env.Error.Message)
	}
	if resp.IsError() {
		return syncerr.Remote(strconv.Itoa(resp.StatusCode()), resp.Status())
	}
	if out != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return syncerr.Format(fmt.Errorf("%s %s: decode data: %w", method, path, err))
		}
	}
	return nil
}

func (c *HTTPClient) FindOrCreateCase(ctx context.Context, ids Identifiers, contact Contact) (*CaseRef, error) {
	var found []CaseRef
	if err := c.do(ctx, http.MethodGet, "/cases", map[string]string{"hospital_id": ids.HospitalID}, nil, &found); err != nil {
		return nil, err
	}
	if len(found) > 0 {
		ref := found[0]
		ref.Created = false
		return &ref, nil
	}

	var created CaseRef
	body := map[string]any{"identifiers": ids, "contact": contact}
	if err := c.do(ctx, http.MethodPost, "/cases", nil, body, &created); err != nil {
		return nil, err
	}
	created.Created = true
	return &created, nil
}

func (c *HTTPClient) UpdateCaseContact(ctx context.Context, caseID string, contact Contact) error {
	return c.do(ctx, http.MethodPatch, "/cases/"+url.PathEscape(caseID)+"/contact", nil, contact, nil)
}

func (c *HTTPClient) FindAdmissions(ctx context.Context, caseID, externalID string) ([]AdmissionRef, error) {
	var found []AdmissionRef
	query := map[string]string{"external_id": externalID}
	if err := c.do(ctx, http.MethodGet, "/cases/"+url.PathEscape(caseID)+"/admissions", query, nil, &found); err != nil {
		return nil, err
	}
	return found, nil
}

func (c *HTTPClient) ListActiveAdmissions(ctx context.Context, caseID, program string) ([]AdmissionRef, error) {
	var found []AdmissionRef
	query := map[string]string{"program": program, "status": "active"}
	if err := c.do(ctx, http.MethodGet, "/cases/"+url.PathEscape(caseID)+"/admissions", query, nil, &found); err != nil {
		return nil, err
	}
	return found, nil
}

func (c *HTTPClient) CreateAdmission(ctx context.Context, spec AdmissionSpec) (*AdmissionRef, error) {
	var created AdmissionRef
	if err := c.do(ctx, http.MethodPost, "/cases/"+url.PathEscape(spec.CaseID)+"/admissions", nil, spec, &created); err != nil {
		return nil, err
	}
	created.Created = true
	return &created, nil
}

func (c *HTTPClient) DischargeAdmission(ctx context.Context, admissionID string, at time.Time) error {
	body := map[string]any{"date": at}
	return c.do(ctx, http.MethodPost, "/admissions/"+url.PathEscape(admissionID)+"/discharge", nil, body, nil)
}

func (c *HTTPClient) FindTaskInAdmission(ctx context.Context, admissionID, taskType, externalID string) (*TaskRef, error) {
	var found []TaskRef
	query := map[string]string{"task_type": taskType, "external_id": externalID}
	if err := c.do(ctx, http.MethodGet, "/admissions/"+url.PathEscape(admissionID)+"/tasks", query, nil, &found); err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, nil
	}
	return &found[0], nil
}

func (c *HTTPClient) CreateTask(ctx context.Context, admissionID string, spec TaskSpec) (*TaskRef, error) {
	var created TaskRef
	if err := c.do(ctx, http.MethodPost, "/admissions/"+url.PathEscape(admissionID)+"/tasks", nil, spec, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

func (c *HTTPClient) SetFormFields(ctx context.Context, formID string, answers map[string]string) error {
	if len(answers) == 0 {
		return nil
	}
	body := map[string]any{"answers": answers}
	return c.do(ctx, http.MethodPut, "/forms/"+url.PathEscape(formID)+"/answers", nil, body, nil)
}

func (c *HTTPClient) FindProfessional(ctx context.Context, code string) (*Professional, error) {
	var found []Professional
	if err := c.do(ctx, http.MethodGet, "/professionals", map[string]string{"code": code}, nil, &found); err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, nil
	}
	return &found[0], nil
}

func (c *HTTPClient) AssignStaff(ctx context.Context, taskID, role, professionalID string) error {
	body := map[string]string{"role": role, "professional_id": professionalID}
	return c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(taskID)+"/assignments", nil, body, nil)
}

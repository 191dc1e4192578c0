package checks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"vetting/internal/verification/models"
	"vetting/pkg/requestcontext"
)

const maxResponseBytes = 1 << 20

// HTTPConfig points one adapter at a provider.
type HTTPConfig struct {
	BaseURL string
	APIKey  string
	// Client defaults to a client without its own timeout; attempts are bounded
	// by the caller's context.
	Client *http.Client
	Now    func() time.Time
}

type httpProvider struct {
	check  Type
	cfg    HTTPConfig
	client *http.Client
	now    func() time.Time
}

func newHTTPProvider(check Type, cfg HTTPConfig) httpProvider {
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return httpProvider{check: check, cfg: cfg, client: client, now: now}
}

// post sends body as JSON and decodes a 2xx response into out. Transport
// failures and status codes are mapped onto ErrorCategory.
func (p httpProvider) post(ctx context.Context, path, requestID string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return NewError(ErrorInvalidInput, p.check, "encode request", err)
	}
	url := strings.TrimRight(p.cfg.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return NewError(ErrorRejected, p.check, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	req.Header.Set("Idempotency-Key", requestID)
	if rid := requestcontext.RequestID(ctx); rid != "" {
		req.Header.Set("X-Request-ID", rid)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return NewError(ErrorUnavailable, p.check, "provider timed out", err)
		}
		return NewError(ErrorUnavailable, p.check, "provider unreachable", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return NewError(ErrorUnavailable, p.check, "read response", err)
	}

	switch {
	case resp.StatusCode == http.StatusBadRequest, resp.StatusCode == http.StatusUnprocessableEntity:
		return NewError(ErrorInvalidInput, p.check, fmt.Sprintf("provider refused input (%d)", resp.StatusCode), nil)
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return NewError(ErrorRejected, p.check, fmt.Sprintf("provider refused credentials (%d)", resp.StatusCode), nil)
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return NewError(ErrorUnavailable, p.check, fmt.Sprintf("provider unavailable (%d)", resp.StatusCode), nil)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return NewError(ErrorRejected, p.check, fmt.Sprintf("unexpected status %d", resp.StatusCode), nil)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return NewError(ErrorRejected, p.check, "unreadable response", err)
	}
	return nil
}

func (p httpProvider) source() string {
	return "http:" + string(p.check)
}

// HTTPNationalIDClient calls a national ID registry.
type HTTPNationalIDClient struct{ p httpProvider }

func NewHTTPNationalIDClient(cfg HTTPConfig) *HTTPNationalIDClient {
	return &HTTPNationalIDClient{p: newHTTPProvider(CheckNationalID, cfg)}
}

type nationalIDWireRequest struct {
	NationalID  string `json:"national_id"`
	FullName    string `json:"full_name"`
	DateOfBirth string `json:"date_of_birth"`
}

type nationalIDWireResponse struct {
	Valid     *bool  `json:"valid"`
	Status    string `json:"status"`
	NameMatch *bool  `json:"name_match"`
}

func (c *HTTPNationalIDClient) Validate(ctx context.Context, req NationalIDRequest) (NationalIDResult, error) {
	var resp nationalIDWireResponse
	err := c.p.post(ctx, "/v1/national-id/validate", req.requestID(), nationalIDWireRequest{
		NationalID:  req.NationalID.String(),
		FullName:    req.FullName,
		DateOfBirth: req.DateOfBirth.Format(time.DateOnly),
	}, &resp)
	if err != nil {
		return NationalIDResult{}, err
	}
	if resp.Valid == nil {
		return NationalIDResult{}, NewError(ErrorRejected, CheckNationalID, "response missing valid", nil)
	}
	return NationalIDResult{
		Valid:      *resp.Valid,
		StatusText: resp.Status,
		NameMatch:  models.TriFromPtr(resp.NameMatch),
		Source:     c.p.source(),
		CheckedAt:  c.p.now(),
	}, nil
}

// HTTPCriminalRecordClient calls a criminal-record bureau.
type HTTPCriminalRecordClient struct{ p httpProvider }

func NewHTTPCriminalRecordClient(cfg HTTPConfig) *HTTPCriminalRecordClient {
	return &HTTPCriminalRecordClient{p: newHTTPProvider(CheckCriminalRecord, cfg)}
}

type criminalWireRequest struct {
	NationalID string `json:"national_id"`
}

type criminalWireResponse struct {
	Status  string `json:"status"`
	Details string `json:"details"`
}

func (c *HTTPCriminalRecordClient) Lookup(ctx context.Context, req CriminalRecordRequest) (CriminalRecordResult, error) {
	var resp criminalWireResponse
	err := c.p.post(ctx, "/v1/criminal-records/lookup", req.requestID(), criminalWireRequest{
		NationalID: req.NationalID.String(),
	}, &resp)
	if err != nil {
		return CriminalRecordResult{}, err
	}
	var status models.CriminalStatus
	switch strings.ToLower(resp.Status) {
	case "clear":
		status = models.CriminalClear
	case "flagged":
		status = models.CriminalFlagged
	default:
		return CriminalRecordResult{}, NewError(ErrorRejected, CheckCriminalRecord, fmt.Sprintf("unknown status %q", resp.Status), nil)
	}
	return CriminalRecordResult{
		Status:    status,
		Details:   resp.Details,
		Source:    c.p.source(),
		CheckedAt: c.p.now(),
	}, nil
}

// HTTPPhoneClient calls an OTP verification service.
type HTTPPhoneClient struct{ p httpProvider }

func NewHTTPPhoneClient(cfg HTTPConfig) *HTTPPhoneClient {
	return &HTTPPhoneClient{p: newHTTPProvider(CheckPhone, cfg)}
}

type phoneWireRequest struct {
	PhoneNumber string `json:"phone_number"`
	OTPCode     string `json:"otp_code"`
}

type phoneWireResponse struct {
	Verified *bool `json:"verified"`
}

func (c *HTTPPhoneClient) Verify(ctx context.Context, req PhoneRequest) (PhoneResult, error) {
	if strings.TrimSpace(req.OTPCode) == "" {
		return PhoneResult{}, NewError(ErrorInvalidInput, CheckPhone, "otp code is required", nil)
	}
	var resp phoneWireResponse
	err := c.p.post(ctx, "/v1/phone/verify", req.requestID(), phoneWireRequest{
		PhoneNumber: req.PhoneNumber.String(),
		OTPCode:     req.OTPCode,
	}, &resp)
	if err != nil {
		return PhoneResult{}, err
	}
	if resp.Verified == nil {
		return PhoneResult{}, NewError(ErrorRejected, CheckPhone, "response missing verified", nil)
	}
	return PhoneResult{Verified: *resp.Verified, Source: c.p.source(), CheckedAt: c.p.now()}, nil
}

package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jwttoken "vetting/internal/jwt_token"
	"vetting/internal/platform/config"
	"vetting/internal/verification/handler"
	"vetting/pkg/testutil"
)

const testSigningKey = "test-signing-key"

func testConfig(adminID uuid.UUID) config.Config {
	return config.Config{
		Server: config.Server{
			Addr:           ":0",
			Environment:    "test",
			JWTSigningKey:  testSigningKey,
			AllowedOrigins: []string{"*"},
		},
		Redis:   config.RedisConfig{ResultTTL: time.Minute},
		Storage: config.StorageConfig{MaxUploadBytes: 1 << 20},
		Checks: config.ChecksConfig{
			UseSimulated:   true,
			AttemptTimeout: time.Second,
			MaxAttempts:    1,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     time.Millisecond,
		},
		Risk:         config.RiskConfig{AutoApproveBelow: 30},
		Verification: config.VerificationConfig{TransitionAttempts: 3},
		Admin:        config.AdminConfig{UserIDs: []string{adminID.String()}},
		Jobs:         config.JobsConfig{ReviewBacklogAge: time.Hour},
	}
}

func bearer(t *testing.T, req *http.Request, userID uuid.UUID) *http.Request {
	t.Helper()
	token, err := jwttoken.NewJWTService(testSigningKey, "").GenerateAccessToken(userID, time.Hour)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestApplicationVerificationFlow(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	adminID, userID := uuid.New(), uuid.New()

	app, err := newApplication(context.Background(), testConfig(adminID), log, prometheus.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(func() { app.shutdown(context.Background(), log) })

	var recordID string

	testutil.Given(t, "a signed-in user without a verification", func(t *testing.T) {
		testutil.When(t, "asking to bid", func(t *testing.T) {
			rr := testutil.DoRequest(app.router, bearer(t,
				testutil.NewRequest(t, http.MethodGet, "/verification/admission?action=bid"), userID))

			testutil.Then(t, "admission is denied", func(t *testing.T) {
				testutil.AssertStatusOK(t, rr)
				testutil.AssertJSONContains(t, rr, "authorized", false)
			})
		})

		testutil.When(t, "starting and submitting documents", func(t *testing.T) {
			rr := testutil.DoRequest(app.router, bearer(t, testutil.NewJSONRequest(t, http.MethodPost, "/verification/start", handler.StartRequest{
				FullName:    "Ana Souza",
				NationalID:  "529.982.247-25",
				DateOfBirth: "1990-05-01",
				PhoneNumber: "+55 11 98765-4321",
			}), userID))
			testutil.AssertStatus(t, rr, http.StatusCreated)
			recordID = testutil.UnmarshalResponse[handler.StatusResponse](t, rr).RecordID

			rr = testutil.DoRequest(app.router, bearer(t, testutil.NewJSONRequest(t, http.MethodPost, "/verification/documents", handler.DocumentsRequest{
				DocumentFrontRef: "s3://docs/front",
				DocumentBackRef:  "s3://docs/back",
				SelfieRef:        "s3://docs/selfie",
			}), userID))

			testutil.Then(t, "clean simulated checks approve the user", func(t *testing.T) {
				testutil.AssertStatusOK(t, rr)
				testutil.AssertJSONContains(t, rr, "status", "approved")
			})
		})

		testutil.When(t, "asking to bid again", func(t *testing.T) {
			rr := testutil.DoRequest(app.router, bearer(t,
				testutil.NewRequest(t, http.MethodGet, "/verification/admission?action=bid"), userID))

			testutil.Then(t, "admission is granted", func(t *testing.T) {
				testutil.AssertJSONContains(t, rr, "authorized", true)
			})
		})
	})

	testutil.Given(t, "the admin routes", func(t *testing.T) {
		require.NotEmpty(t, recordID)

		testutil.When(t, "a regular user calls them", func(t *testing.T) {
			rr := testutil.DoRequest(app.router, bearer(t,
				testutil.NewRequest(t, http.MethodGet, "/admin/verification/"+recordID), userID))

			testutil.Then(t, "they are refused", func(t *testing.T) {
				testutil.AssertStatusAndError(t, rr, http.StatusForbidden, "forbidden")
			})
		})

		testutil.When(t, "an admin reads the record", func(t *testing.T) {
			rr := testutil.DoRequest(app.router, bearer(t,
				testutil.NewRequest(t, http.MethodGet, "/admin/verification/"+recordID), adminID))

			testutil.Then(t, "the full audit trail is returned", func(t *testing.T) {
				testutil.AssertStatusOK(t, rr)
				detail := testutil.UnmarshalResponse[handler.RecordDetailResponse](t, rr)
				assert.Equal(t, "approved", detail.Record.Status)
				assert.True(t, detail.Record.ChecksSimulated)
				assert.Len(t, detail.Audit, 4)
			})
		})
	})

	testutil.Given(t, "an anonymous caller", func(t *testing.T) {
		rr := testutil.DoRequest(app.router, testutil.NewRequest(t, http.MethodGet, "/verification/status"))
		testutil.Then(t, "user routes require a token", func(t *testing.T) {
			testutil.AssertStatus(t, rr, http.StatusUnauthorized)
		})

		rr = testutil.DoRequest(app.router, testutil.NewRequest(t, http.MethodGet, "/health"))
		testutil.Then(t, "health is public and reports providers", func(t *testing.T) {
			testutil.AssertStatusOK(t, rr)
			testutil.AssertJSONHasKey(t, rr, "providers")
		})
	})
}

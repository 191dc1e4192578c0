package checks

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vetting/internal/verification/models"
	id "vetting/pkg/domain"
)

func nationalIDRequest() NationalIDRequest {
	return NationalIDRequest{
		RecordID:    id.NewRecordID(),
		NationalID:  id.NationalID("52998224725"),
		FullName:    "Ana Souza",
		DateOfBirth: time.Date(1988, 1, 2, 0, 0, 0, 0, time.UTC),
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	tests := []struct {
		status    int
		category  ErrorCategory
		retryable bool
	}{
		{http.StatusBadRequest, ErrorInvalidInput, false},
		{http.StatusUnprocessableEntity, ErrorInvalidInput, false},
		{http.StatusUnauthorized, ErrorRejected, false},
		{http.StatusForbidden, ErrorRejected, false},
		{http.StatusTooManyRequests, ErrorUnavailable, true},
		{http.StatusInternalServerError, ErrorUnavailable, true},
		{http.StatusBadGateway, ErrorUnavailable, true},
		{http.StatusNotFound, ErrorRejected, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			client := NewHTTPNationalIDClient(HTTPConfig{BaseURL: srv.URL, APIKey: "k"})
			_, err := client.Validate(context.Background(), nationalIDRequest())
			require.Error(t, err)
			assert.Equal(t, tt.category, GetCategory(err))
			assert.Equal(t, tt.retryable, IsRetryable(err))
		})
	}
}

func TestHTTPNationalIDClient(t *testing.T) {
	req := nationalIDRequest()
	var gotKey, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		assert.Equal(t, "52998224725", body["national_id"])
		assert.Equal(t, "1988-01-02", body["date_of_birth"])
		_, _ = w.Write([]byte(`{"valid":true,"status":"REGULAR","name_match":false}`))
	}))
	defer srv.Close()

	client := NewHTTPNationalIDClient(HTTPConfig{BaseURL: srv.URL + "/", APIKey: "secret"})
	result, err := client.Validate(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, "REGULAR", result.StatusText)
	assert.Equal(t, models.False, result.NameMatch)
	assert.False(t, result.Simulated)
	assert.Equal(t, req.requestID(), gotKey)
	assert.Equal(t, "Bearer secret", gotAuth)
}

func TestHTTPUnknownResponsesAreRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/criminal-records/lookup":
			_, _ = w.Write([]byte(`{"status":"maybe"}`))
		default:
			_, _ = w.Write([]byte(`not json`))
		}
	}))
	defer srv.Close()
	cfg := HTTPConfig{BaseURL: srv.URL, APIKey: "k"}

	_, err := NewHTTPCriminalRecordClient(cfg).Lookup(context.Background(), CriminalRecordRequest{RecordID: id.NewRecordID(), NationalID: "52998224725"})
	assert.Equal(t, ErrorRejected, GetCategory(err))

	_, err = NewHTTPNationalIDClient(cfg).Validate(context.Background(), nationalIDRequest())
	assert.Equal(t, ErrorRejected, GetCategory(err))
}

func TestHTTPTimeoutIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := NewHTTPPhoneClient(HTTPConfig{BaseURL: srv.URL, APIKey: "k"}).Verify(ctx, PhoneRequest{
		RecordID: id.NewRecordID(), PhoneNumber: "+5511987654321", OTPCode: "123456",
	})
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}

func TestDeduplicateServesRepeatsFromCache(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"valid":true,"status":"REGULAR","name_match":true}`))
	}))
	defer srv.Close()

	cfg := HTTPConfig{BaseURL: srv.URL, APIKey: "k"}
	set := Deduplicate(Set{NationalID: NewHTTPNationalIDClient(cfg)}, NewMemoryCache(time.Hour), nil)

	req := nationalIDRequest()
	first, err := set.NationalID.Validate(context.Background(), req)
	require.NoError(t, err)
	second, err := set.NationalID.Validate(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, first.NameMatch, second.NameMatch)
	assert.True(t, second.Valid)

	other := req
	other.FullName = "Ana Souza Lima"
	_, err = set.NationalID.Validate(context.Background(), other)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestDeduplicateDoesNotCacheFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"status":"clear"}`))
	}))
	defer srv.Close()

	set := Deduplicate(Set{CriminalRecord: NewHTTPCriminalRecordClient(HTTPConfig{BaseURL: srv.URL, APIKey: "k"})}, NewMemoryCache(0), nil)
	req := CriminalRecordRequest{RecordID: id.NewRecordID(), NationalID: "52998224725"}

	_, err := set.CriminalRecord.Lookup(context.Background(), req)
	require.Error(t, err)
	result, err := set.CriminalRecord.Lookup(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, models.CriminalClear, result.Status)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRequestIDIsStable(t *testing.T) {
	recordID := id.NewRecordID()
	a := RequestID(recordID, 1, CheckPhone, "+5511987654321", "123456")
	b := RequestID(recordID, 1, CheckPhone, "+5511987654321", "123456")
	c := RequestID(recordID, 1, CheckPhone, "+5511987654321", "654321")
	d := RequestID(id.NewRecordID(), 1, CheckPhone, "+5511987654321", "123456")
	e := RequestID(recordID, 2, CheckPhone, "+5511987654321", "123456")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, d)
	assert.NotEqual(t, a, e, "a new check run is a new request")
}

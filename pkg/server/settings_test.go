package server

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/eonbridge/eonbridge/pkg/crypt"
	"github.com/eonbridge/eonbridge/pkg/eonnext/eonnextmock"
	"github.com/eonbridge/eonbridge/pkg/storage/storagemock"
	"github.com/eonbridge/eonbridge/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestGetSettings(t *testing.T) {
	db := &storagemock.MockDatabase{}
	api := &eonnextmock.MockAPI{}
	db.On("GetSettings", mock.Anything).Return(types.Settings{
		PollIntervalMinutes:  60,
		FetchWindowDays:      7,
		BackfillDays:         90,
		EncryptedCredentials: encryptedTestCreds(t),
	}, types.CurrentSettingsVersion, nil)

	srv := newTestServer(api, db)
	req := httptest.NewRequest("GET", "/api/settings", nil)
	w := httptest.NewRecorder()

	srv.handleGetSettings(w, req)
	assert.Equal(t, http.StatusOK, w.Result().StatusCode)
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Contains(t, w.Body.String(), `"pollIntervalMinutes":60`)
	assert.Contains(t, w.Body.String(), `"eon":true`)
	// credentials must never leave the server
	assert.NotContains(t, w.Body.String(), "encryptedCredentials")
	assert.NotContains(t, w.Body.String(), "user@example.com")
}

func TestUpdateSettings(t *testing.T) {
	post := func(srv *Server, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/api/settings", strings.NewReader(body))
		w := httptest.NewRecorder()
		srv.handleUpdateSettings(w, req)
		return w
	}

	t.Run("ValidationError", func(t *testing.T) {
		srv := newTestServer(&eonnextmock.MockAPI{}, &storagemock.MockDatabase{})

		w := post(srv, `{"pollIntervalMinutes": 0, "fetchWindowDays": 7, "backfillDays": 90}`)
		assert.Equal(t, http.StatusBadRequest, w.Result().StatusCode)

		w = post(srv, `{"pollIntervalMinutes": 60, "fetchWindowDays": 7, "backfillDays": 3}`)
		assert.Equal(t, http.StatusBadRequest, w.Result().StatusCode)
	})

	t.Run("PreservesCredentials", func(t *testing.T) {
		existingCreds := encryptedTestCreds(t)
		db := &storagemock.MockDatabase{}
		db.On("GetSettings", mock.Anything).Return(types.Settings{
			PollIntervalMinutes:  60,
			FetchWindowDays:      7,
			BackfillDays:         90,
			EncryptedCredentials: existingCreds,
			AuthStatus:           types.AuthStatus{ConsecutiveFailures: 2},
		}, types.CurrentSettingsVersion, nil)
		db.On("SetSettings", mock.Anything, mock.MatchedBy(func(s types.Settings) bool {
			return s.PollIntervalMinutes == 30 &&
				bytes.Equal(s.EncryptedCredentials, existingCreds) &&
				s.AuthStatus.ConsecutiveFailures == 2
		}), types.CurrentSettingsVersion).Return(nil)

		srv := newTestServer(&eonnextmock.MockAPI{}, db)
		w := post(srv, `{"pollIntervalMinutes": 30, "fetchWindowDays": 7, "backfillDays": 90}`)
		assert.Equal(t, http.StatusOK, w.Result().StatusCode)
		db.AssertExpectations(t)
	})

	t.Run("VerifiesNewCredentials", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		api := &eonnextmock.MockAPI{}
		db.On("GetSettings", mock.Anything).Return(types.Settings{}, types.CurrentSettingsVersion, nil)
		api.On("Authenticate", mock.Anything, mock.MatchedBy(func(c types.EONCredentials) bool {
			return c.Email == "new@example.com" && c.Password == "newpass"
		})).Return(types.EONCredentials{
			Email:    "new@example.com",
			Password: "newpass",
			Token:    "tok",
		}, true, nil)

		srv := newTestServer(api, db)
		db.On("SetSettings", mock.Anything, mock.MatchedBy(func(s types.Settings) bool {
			creds, err := crypt.DecryptCredentials(t.Context(), testKey, s.EncryptedCredentials)
			require.NoError(t, err)
			return creds.EON != nil && creds.EON.Email == "new@example.com" && creds.EON.Token == "tok"
		}), types.CurrentSettingsVersion).Return(nil)

		body := `{
			"pollIntervalMinutes": 60, "fetchWindowDays": 7, "backfillDays": 90,
			"credentials": {"eon": {"email": "new@example.com", "password": "newpass"}}
		}`
		w := post(srv, body)
		assert.Equal(t, http.StatusOK, w.Result().StatusCode)
		api.AssertExpectations(t)
		db.AssertExpectations(t)
	})

	t.Run("RejectsBadCredentials", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		api := &eonnextmock.MockAPI{}
		db.On("GetSettings", mock.Anything).Return(types.Settings{}, types.CurrentSettingsVersion, nil)
		api.On("Authenticate", mock.Anything, mock.Anything).Return(types.EONCredentials{}, false, assert.AnError)
		// the failure is recorded so the poller backs off too
		db.On("SetSettings", mock.Anything, mock.MatchedBy(func(s types.Settings) bool {
			return s.AuthStatus.ConsecutiveFailures == 1
		}), types.CurrentSettingsVersion).Return(nil)

		srv := newTestServer(api, db)
		body := `{
			"pollIntervalMinutes": 60, "fetchWindowDays": 7, "backfillDays": 90,
			"credentials": {"eon": {"email": "new@example.com", "password": "wrong"}}
		}`
		w := post(srv, body)
		assert.Equal(t, http.StatusBadRequest, w.Result().StatusCode)
		db.AssertExpectations(t)
	})

	t.Run("PasswordRequiredWithoutExisting", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		db.On("GetSettings", mock.Anything).Return(types.Settings{}, types.CurrentSettingsVersion, nil)

		srv := newTestServer(&eonnextmock.MockAPI{}, db)
		body := `{
			"pollIntervalMinutes": 60, "fetchWindowDays": 7, "backfillDays": 90,
			"credentials": {"eon": {"email": "new@example.com"}}
		}`
		w := post(srv, body)
		assert.Equal(t, http.StatusBadRequest, w.Result().StatusCode)
	})

	t.Run("LockedAfterTooManyFailures", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		db.On("GetSettings", mock.Anything).Return(types.Settings{
			AuthStatus: types.AuthStatus{ConsecutiveFailures: 6},
		}, types.CurrentSettingsVersion, nil)

		srv := newTestServer(&eonnextmock.MockAPI{}, db)
		body := `{
			"pollIntervalMinutes": 60, "fetchWindowDays": 7, "backfillDays": 90,
			"credentials": {"eon": {"email": "new@example.com", "password": "pass"}}
		}`
		w := post(srv, body)
		assert.Equal(t, http.StatusTooManyRequests, w.Result().StatusCode)
	})
}

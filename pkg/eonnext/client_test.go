package eonnext

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/eonbridge/eonbridge/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeGraphQL(t *testing.T, r *http.Request) graphqlRequest {
	t.Helper()
	var req graphqlRequest
	require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
	return req
}

func tokenResponse(token, refreshToken string, exp, refreshExp int64) map[string]interface{} {
	return map[string]interface{}{
		"data": map[string]interface{}{
			"obtainKrakenToken": map[string]interface{}{
				"token":            token,
				"refreshToken":     refreshToken,
				"refreshExpiresIn": refreshExp,
				"payload":          map[string]interface{}{"exp": exp},
			},
		},
	}
}

func TestClientAuthenticate(t *testing.T) {
	t.Run("Login Flow", func(t *testing.T) {
		exp := time.Now().Add(time.Hour).Unix()
		refreshExp := time.Now().Add(10 * 24 * time.Hour).Unix()
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			req := decodeGraphQL(t, r)
			require.Equal(t, "loginEmailAuthentication", req.OperationName)

			input := req.Variables["input"].(map[string]interface{})
			assert.Equal(t, "user@example.com", input["email"])
			assert.Equal(t, "pass", input["password"])

			json.NewEncoder(w).Encode(tokenResponse("fake-token-123", "fake-refresh", exp, refreshExp))
		}))
		defer ts.Close()

		c := &Client{client: ts.Client(), baseURL: ts.URL, now: time.Now}

		creds, changed, err := c.Authenticate(context.Background(), types.EONCredentials{
			Email:    "user@example.com",
			Password: "pass",
		})
		require.NoError(t, err, "authenticate should succeed")
		assert.True(t, changed, "tokens should be marked changed")
		assert.Equal(t, "fake-token-123", creds.Token)
		assert.Equal(t, "fake-refresh", creds.RefreshToken)
		assert.Equal(t, exp, creds.TokenExpires)
		assert.Equal(t, refreshExp, creds.RefreshExpires)
	})

	t.Run("MissingCredentials", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("should not have made a network request")
		}))
		defer ts.Close()

		c := &Client{client: ts.Client(), baseURL: ts.URL, now: time.Now}

		_, _, err := c.Authenticate(context.Background(), types.EONCredentials{})
		require.ErrorIs(t, err, ErrMissingCredentials)

		_, _, err = c.Authenticate(context.Background(), types.EONCredentials{Email: "user@example.com"})
		require.ErrorIs(t, err, ErrMissingCredentials)
	})

	t.Run("BadPassword", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]interface{}{
				"errors": []map[string]interface{}{
					{
						"message":    "Invalid email or password.",
						"extensions": map[string]interface{}{"errorCode": "KT-CT-1138"},
					},
				},
			})
		}))
		defer ts.Close()

		c := &Client{client: ts.Client(), baseURL: ts.URL, now: time.Now}

		_, _, err := c.Authenticate(context.Background(), types.EONCredentials{
			Email:    "user@example.com",
			Password: "wrong",
		})
		require.ErrorIs(t, err, ErrAuthFailed)
	})

	t.Run("RestoresCachedToken", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("should not have made a network request")
		}))
		defer ts.Close()

		c := &Client{client: ts.Client(), baseURL: ts.URL, now: time.Now}

		creds, changed, err := c.Authenticate(context.Background(), types.EONCredentials{
			Email:          "user@example.com",
			Password:       "pass",
			Token:          "cached-token",
			TokenExpires:   time.Now().Add(time.Hour).Unix(),
			RefreshToken:   "cached-refresh",
			RefreshExpires: time.Now().Add(24 * time.Hour).Unix(),
		})
		require.NoError(t, err)
		assert.False(t, changed, "restored tokens should not be marked changed")
		assert.Equal(t, "cached-token", creds.Token)
	})

	t.Run("RefreshesExpiredToken", func(t *testing.T) {
		exp := time.Now().Add(time.Hour).Unix()
		refreshExp := time.Now().Add(10 * 24 * time.Hour).Unix()
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			req := decodeGraphQL(t, r)
			require.Equal(t, "loginEmailAuthentication", req.OperationName)

			input := req.Variables["input"].(map[string]interface{})
			assert.Equal(t, "cached-refresh", input["refreshToken"], "should login with the refresh token")
			assert.NotContains(t, input, "password")

			json.NewEncoder(w).Encode(tokenResponse("new-token", "new-refresh", exp, refreshExp))
		}))
		defer ts.Close()

		c := &Client{client: ts.Client(), baseURL: ts.URL, now: time.Now}

		creds, changed, err := c.Authenticate(context.Background(), types.EONCredentials{
			Email:          "user@example.com",
			Password:       "pass",
			Token:          "expired-token",
			TokenExpires:   time.Now().Add(-time.Hour).Unix(),
			RefreshToken:   "cached-refresh",
			RefreshExpires: time.Now().Add(24 * time.Hour).Unix(),
		})
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, "new-token", creds.Token)
		assert.Equal(t, "new-refresh", creds.RefreshToken)
	})
}

func TestClientAccountNumbers(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := decodeGraphQL(t, r)
		require.Equal(t, "headerGetLoggedInUser", req.OperationName)
		assert.Equal(t, "JWT tok", r.Header.Get("Authorization"))

		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{
				"viewer": map[string]interface{}{
					"accounts": []map[string]interface{}{
						{"number": "A-12345678"},
						{"number": "A-87654321"},
					},
				},
			},
		})
	}))
	defer ts.Close()

	c := &Client{
		client:       ts.Client(),
		baseURL:      ts.URL,
		email:        "user@example.com",
		password:     "pass",
		token:        "tok",
		tokenExpires: time.Now().Add(time.Hour),
		now:          time.Now,
	}

	numbers, err := c.AccountNumbers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"A-12345678", "A-87654321"}, numbers)
}

func TestClientMeters(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := decodeGraphQL(t, r)
		require.Equal(t, "getAccountMeterSelector", req.OperationName)
		assert.Equal(t, "A-12345678", req.Variables["accountNumber"])
		assert.Equal(t, false, req.Variables["showInactive"])

		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{
				"properties": []map[string]interface{}{
					{
						"electricityMeterPoints": []map[string]interface{}{
							{
								"id":   "emp-1",
								"mpan": "1200012345678",
								"meters": []map[string]interface{}{
									{
										"id":           "em-1",
										"serialNumber": "ELEC001",
										"registers": []map[string]interface{}{
											{"id": "r1", "name": "STANDARD"},
										},
									},
									{
										// no serial, should be skipped
										"id":           "em-2",
										"serialNumber": "",
									},
								},
							},
						},
						"gasMeterPoints": []map[string]interface{}{
							{
								"id":   "gmp-1",
								"mprn": "8412345",
								"meters": []map[string]interface{}{
									{"id": "gm-1", "serialNumber": "GAS001"},
								},
							},
						},
					},
				},
			},
		})
	}))
	defer ts.Close()

	c := &Client{
		client:       ts.Client(),
		baseURL:      ts.URL,
		email:        "user@example.com",
		password:     "pass",
		token:        "tok",
		tokenExpires: time.Now().Add(time.Hour),
		now:          time.Now,
	}

	meters, err := c.Meters(context.Background(), "A-12345678")
	require.NoError(t, err)
	require.Len(t, meters, 2)

	assert.Equal(t, types.Meter{
		Fuel:           types.FuelElectricity,
		Serial:         "ELEC001",
		ID:             "em-1",
		MeterPointID:   "emp-1",
		SupplyPointRef: "1200012345678",
		Registers:      []types.Register{{ID: "r1", Name: "STANDARD"}},
	}, meters[0])
	assert.Equal(t, types.Meter{
		Fuel:           types.FuelGas,
		Serial:         "GAS001",
		ID:             "gm-1",
		MeterPointID:   "gmp-1",
		SupplyPointRef: "8412345",
	}, meters[1])
}

func consumptionPage(fuel types.Fuel, meterID string, nodes []map[string]interface{}, hasNext bool, cursor string) map[string]interface{} {
	agreementsKey := "electricityAgreements"
	if fuel == types.FuelGas {
		agreementsKey = "gasAgreements"
	}
	edges := make([]map[string]interface{}, len(nodes))
	for i, n := range nodes {
		edges[i] = map[string]interface{}{"node": n}
	}
	return map[string]interface{}{
		"data": map[string]interface{}{
			"account": map[string]interface{}{
				agreementsKey: []map[string]interface{}{
					{
						"meterPoint": map[string]interface{}{
							"meters": []map[string]interface{}{
								{
									"id": meterID,
									"consumption": map[string]interface{}{
										"edges": edges,
										"pageInfo": map[string]interface{}{
											"hasNextPage": hasNext,
											"endCursor":   cursor,
										},
									},
								},
							},
						},
					},
				},
			},
		},
	}
}

func TestClientConsumption(t *testing.T) {
	t.Run("Paginates", func(t *testing.T) {
		var calls int
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			req := decodeGraphQL(t, r)
			require.Equal(t, "getElectricityConsumption", req.OperationName)
			assert.Equal(t, "A-12345678", req.Variables["accountNumber"])

			calls++
			switch calls {
			case 1:
				assert.NotContains(t, req.Variables, "after")
				json.NewEncoder(w).Encode(consumptionPage(types.FuelElectricity, "em-1", []map[string]interface{}{
					{"startAt": "2026-08-01T00:00:00+00:00", "endAt": "2026-08-01T00:30:00+00:00", "value": 0.25},
					{"startAt": "2026-08-01T00:30:00+00:00", "endAt": "2026-08-01T01:00:00+00:00", "value": 0.5},
				}, true, "cursor-1"))
			case 2:
				assert.Equal(t, "cursor-1", req.Variables["after"])
				json.NewEncoder(w).Encode(consumptionPage(types.FuelElectricity, "em-1", []map[string]interface{}{
					{"startAt": "2026-08-01T01:00:00+00:00", "endAt": "2026-08-01T01:30:00+00:00", "value": 0.75},
				}, false, ""))
			default:
				t.Errorf("unexpected call %d", calls)
			}
		}))
		defer ts.Close()

		c := &Client{
			client:       ts.Client(),
			baseURL:      ts.URL,
			email:        "user@example.com",
			password:     "pass",
			token:        "tok",
			tokenExpires: time.Now().Add(time.Hour),
			now:          time.Now,
		}

		start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
		end := time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC)
		readings, err := c.Consumption(context.Background(), "A-12345678", "em-1", types.FuelElectricity, start, end)
		require.NoError(t, err)
		require.Len(t, readings, 3)
		assert.Equal(t, 0.25, readings[0].ConsumptionKWH)
		assert.Equal(t, 0.75, readings[2].ConsumptionKWH)
		assert.Equal(t, time.Date(2026, 8, 1, 1, 0, 0, 0, time.UTC), readings[2].TSStart.UTC())
		assert.Equal(t, 2, calls)
	})

	t.Run("StopsAtEnd", func(t *testing.T) {
		var calls int
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			req := decodeGraphQL(t, r)
			require.Equal(t, "getGasConsumption", req.OperationName)
			calls++
			// claims more pages, but the last node is past the requested end
			json.NewEncoder(w).Encode(consumptionPage(types.FuelGas, "gm-1", []map[string]interface{}{
				{"startAt": "2026-08-01T00:00:00+00:00", "endAt": "2026-08-01T00:30:00+00:00", "value": 1.0},
				{"startAt": "2026-08-03T00:00:00+00:00", "endAt": "2026-08-03T00:30:00+00:00", "value": 2.0},
			}, true, "cursor-1"))
		}))
		defer ts.Close()

		c := &Client{
			client:       ts.Client(),
			baseURL:      ts.URL,
			email:        "user@example.com",
			password:     "pass",
			token:        "tok",
			tokenExpires: time.Now().Add(time.Hour),
			now:          time.Now,
		}

		start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
		end := time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC)
		readings, err := c.Consumption(context.Background(), "A-12345678", "gm-1", types.FuelGas, start, end)
		require.NoError(t, err)
		require.Len(t, readings, 1)
		assert.Equal(t, 1.0, readings[0].ConsumptionKWH)
		assert.Equal(t, 1, calls, "should not fetch past the requested end")
	})

	t.Run("MeterNotFound", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(consumptionPage(types.FuelElectricity, "other-meter", nil, false, ""))
		}))
		defer ts.Close()

		c := &Client{
			client:       ts.Client(),
			baseURL:      ts.URL,
			email:        "user@example.com",
			password:     "pass",
			token:        "tok",
			tokenExpires: time.Now().Add(time.Hour),
			now:          time.Now,
		}

		readings, err := c.Consumption(context.Background(), "A-12345678", "em-1", types.FuelElectricity,
			time.Now().Add(-time.Hour), time.Now())
		require.NoError(t, err)
		assert.Empty(t, readings)
	})
}

func TestClientTokenRetry(t *testing.T) {
	var calls int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := decodeGraphQL(t, r)
		calls++
		switch calls {
		case 1:
			// expired token rejected at the GraphQL layer
			require.Equal(t, "headerGetLoggedInUser", req.OperationName)
			assert.Equal(t, "JWT stale-tok", r.Header.Get("Authorization"))
			json.NewEncoder(w).Encode(map[string]interface{}{
				"errors": []map[string]interface{}{
					{
						"message":    "Signature of the JWT has expired.",
						"extensions": map[string]interface{}{"errorCode": "KT-CT-1124"},
					},
				},
			})
		case 2:
			require.Equal(t, "loginEmailAuthentication", req.OperationName)
			json.NewEncoder(w).Encode(tokenResponse("fresh-tok", "fresh-refresh",
				time.Now().Add(time.Hour).Unix(), time.Now().Add(24*time.Hour).Unix()))
		case 3:
			require.Equal(t, "headerGetLoggedInUser", req.OperationName)
			assert.Equal(t, "JWT fresh-tok", r.Header.Get("Authorization"))
			json.NewEncoder(w).Encode(map[string]interface{}{
				"data": map[string]interface{}{
					"viewer": map[string]interface{}{
						"accounts": []map[string]interface{}{{"number": "A-12345678"}},
					},
				},
			})
		default:
			t.Errorf("unexpected call %d", calls)
		}
	}))
	defer ts.Close()

	c := &Client{
		client:   ts.Client(),
		baseURL:  ts.URL,
		email:    "user@example.com",
		password: "pass",
		token:    "stale-tok",
		// the server thinks it expired even though we don't
		tokenExpires: time.Now().Add(time.Hour),
		now:          time.Now,
	}

	numbers, err := c.AccountNumbers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"A-12345678"}, numbers)
	assert.Equal(t, 3, calls)
}

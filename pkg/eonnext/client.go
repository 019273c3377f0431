package eonnext

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/eonbridge/eonbridge/pkg/common"
	"github.com/eonbridge/eonbridge/pkg/log"
	"github.com/eonbridge/eonbridge/pkg/types"
)

// DefaultBaseURL is the production Kraken GraphQL endpoint for E.ON Next.
const DefaultBaseURL = "https://api.eonnext-kraken.energy/v1/graphql/"

var (
	// ErrMissingCredentials is returned when no email/password has been set.
	ErrMissingCredentials = errors.New("missing e.on next credentials")

	// ErrAuthFailed is returned when the API rejects the email/password.
	ErrAuthFailed = errors.New("e.on next authentication failed")
)

// tokenExpirySlack is subtracted from token lifetimes so we refresh slightly
// before the server would reject the token.
const tokenExpirySlack = time.Minute

// Client talks to the E.ON Next Kraken GraphQL API. All operations are safe
// for concurrent use.
type Client struct {
	client  *http.Client
	baseURL string

	mu             sync.Mutex
	email          string
	password       string
	token          string
	refreshToken   string
	tokenExpires   time.Time
	refreshExpires time.Time

	now func() time.Time
}

// New returns a Client with no credentials set. Call Authenticate before
// using any other operation.
func New() *Client {
	return &Client{
		client:  common.HTTPClient(time.Minute),
		baseURL: DefaultBaseURL,
		now:     time.Now,
	}
}

// Authenticate applies the given credentials. If a cached token pair in creds
// is still valid it is restored to avoid an unnecessary login round-trip,
// otherwise a fresh login is performed. After a successful login the new
// tokens are written back into creds so the caller can persist them.
func (c *Client) Authenticate(ctx context.Context, creds types.EONCredentials) (types.EONCredentials, bool, error) {
	if creds.Email == "" || creds.Password == "" {
		return creds, false, ErrMissingCredentials
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// only consider the credentials changed if we've previously authenticated
	// with a different pair
	credsChanged := c.email != "" && (c.email != creds.Email || c.password != creds.Password)
	c.email = creds.Email
	c.password = creds.Password

	now := c.now()
	tokenValid := creds.Token != "" && time.Unix(creds.TokenExpires, 0).After(now.Add(tokenExpirySlack))
	refreshValid := creds.RefreshToken != "" && time.Unix(creds.RefreshExpires, 0).After(now.Add(tokenExpirySlack))

	if !credsChanged && (tokenValid || refreshValid) {
		log.Ctx(ctx).DebugContext(ctx, "restored e.on next tokens from cache")
		c.token = creds.Token
		c.refreshToken = creds.RefreshToken
		c.tokenExpires = time.Unix(creds.TokenExpires, 0)
		c.refreshExpires = time.Unix(creds.RefreshExpires, 0)
		if tokenValid {
			return creds, false, nil
		}
		// refresh token still good, use it for a cheaper login
		if err := c.ensureToken(ctx); err != nil {
			return creds, false, err
		}
	} else {
		c.token = ""
		c.refreshToken = ""
		if err := c.login(ctx); err != nil {
			return creds, false, err
		}
	}

	creds.Token = c.token
	creds.RefreshToken = c.refreshToken
	creds.TokenExpires = c.tokenExpires.Unix()
	creds.RefreshExpires = c.refreshExpires.Unix()
	return creds, true, nil
}

// Credentials returns a snapshot of the current credentials including any
// tokens obtained since Authenticate, for persisting.
func (c *Client) Credentials() types.EONCredentials {
	c.mu.Lock()
	defer c.mu.Unlock()
	return types.EONCredentials{
		Email:          c.email,
		Password:       c.password,
		Token:          c.token,
		RefreshToken:   c.refreshToken,
		TokenExpires:   c.tokenExpires.Unix(),
		RefreshExpires: c.refreshExpires.Unix(),
	}
}

type obtainKrakenTokenResult struct {
	ObtainKrakenToken struct {
		Token            string `json:"token"`
		RefreshToken     string `json:"refreshToken"`
		RefreshExpiresIn int64  `json:"refreshExpiresIn"`
		Payload          struct {
			Exp int64 `json:"exp"`
		} `json:"payload"`
	} `json:"obtainKrakenToken"`
}

// ensureToken makes sure we hold a usable token, refreshing or logging in as
// needed. Must be called with c.mu held.
func (c *Client) ensureToken(ctx context.Context) error {
	now := c.now()
	if c.token != "" && c.tokenExpires.After(now.Add(tokenExpirySlack)) {
		return nil
	}
	if c.refreshToken != "" && c.refreshExpires.After(now.Add(tokenExpirySlack)) {
		log.Ctx(ctx).DebugContext(ctx, "refreshing e.on next token")
		err := c.obtainToken(ctx, map[string]interface{}{
			"refreshToken": c.refreshToken,
		})
		if err == nil {
			return nil
		}
		// a revoked refresh token should not be fatal, fall back to a full
		// login
		log.Ctx(ctx).WarnContext(ctx, "token refresh failed, logging in fresh", slog.Any("error", err))
	}
	return c.login(ctx)
}

// login performs a password login. Must be called with c.mu held.
func (c *Client) login(ctx context.Context) error {
	if c.email == "" || c.password == "" {
		return ErrMissingCredentials
	}

	log.Ctx(ctx).DebugContext(ctx, "logging in to e.on next", slog.String("email", c.email))
	err := c.obtainToken(ctx, map[string]interface{}{
		"email":    c.email,
		"password": c.password,
	})
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "e.on next login failed", slog.Any("error", err))
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.AuthError() {
			return fmt.Errorf("%w: %s", ErrAuthFailed, apiErr.Message)
		}
		return fmt.Errorf("login failed: %w", err)
	}
	log.Ctx(ctx).DebugContext(ctx, "e.on next login success",
		slog.String("email", c.email),
		slog.Time("tokenExpires", c.tokenExpires),
	)
	return nil
}

// obtainToken runs the token mutation with the given input (email/password or
// refreshToken) and stores the resulting token pair. Must be called with c.mu
// held.
func (c *Client) obtainToken(ctx context.Context, input map[string]interface{}) error {
	req, err := c.newGraphQLRequest(ctx, "loginEmailAuthentication", loginQuery, map[string]interface{}{
		"input": input,
	})
	if err != nil {
		return err
	}

	var res obtainKrakenTokenResult
	if err := c.decodeResponse(req, &res); err != nil {
		return err
	}
	if res.ObtainKrakenToken.Token == "" {
		return errors.New("no token in response")
	}

	c.token = res.ObtainKrakenToken.Token
	c.refreshToken = res.ObtainKrakenToken.RefreshToken
	c.tokenExpires = time.Unix(res.ObtainKrakenToken.Payload.Exp, 0)
	c.refreshExpires = time.Unix(res.ObtainKrakenToken.RefreshExpiresIn, 0)
	return nil
}

// APIError is a GraphQL-level error returned by the Kraken API.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("api error (status %d): %s", e.StatusCode, e.Message)
}

// AuthError reports whether the error indicates bad or expired credentials.
// Kraken uses KT-CT-11xx codes for authentication failures.
func (e *APIError) AuthError() bool {
	return strings.HasPrefix(e.Code, "KT-CT-11") ||
		e.StatusCode == http.StatusUnauthorized ||
		e.StatusCode == http.StatusForbidden ||
		strings.Contains(e.Message, "expired")
}

type graphqlRequest struct {
	OperationName string                 `json:"operationName"`
	Variables     map[string]interface{} `json:"variables"`
	Query         string                 `json:"query"`
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message    string `json:"message"`
		Extensions struct {
			ErrorCode string `json:"errorCode"`
		} `json:"extensions"`
	} `json:"errors"`
}

func (c *Client) newGraphQLRequest(ctx context.Context, operation, query string, variables map[string]interface{}) (*http.Request, error) {
	body, err := json.Marshal(graphqlRequest{
		OperationName: operation,
		Variables:     variables,
		Query:         query,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// doRequest sends an authenticated GraphQL request, decoding the data
// envelope into dest. Must be called with c.mu held.
func (c *Client) doRequest(req *http.Request, dest interface{}) error {
	// we try up to 2 times because we might have an expired token
	for i := 0; i < 2; i++ {
		if err := c.ensureToken(req.Context()); err != nil {
			return err
		}
		req.Header.Set("Authorization", "JWT "+c.token)

		err := c.decodeResponse(req, dest)
		if err == nil {
			return nil
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.AuthError() && i == 0 {
			log.Ctx(req.Context()).DebugContext(req.Context(), "e.on next token rejected", slog.String("message", apiErr.Message))
			c.token = ""
			if req.Body, err = req.GetBody(); err != nil {
				return err
			}
			continue
		}
		return err
	}
	return nil
}

func (c *Client) decodeResponse(req *http.Request, dest interface{}) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var gr graphqlResponse
	if err := json.Unmarshal(body, &gr); err != nil {
		if resp.StatusCode != http.StatusOK {
			return &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		log.Ctx(req.Context()).ErrorContext(req.Context(), "failed to decode e.on next response", slog.Any("error", err), slog.String("body", string(body)))
		return err
	}

	if len(gr.Errors) > 0 {
		e := gr.Errors[0]
		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			Code:       e.Extensions.ErrorCode,
			Message:    e.Message,
		}
		log.Ctx(req.Context()).DebugContext(req.Context(), "e.on next api error",
			slog.String("code", apiErr.Code),
			slog.String("message", apiErr.Message),
			slog.Int("status", resp.StatusCode),
		)
		return apiErr
	}
	if resp.StatusCode != http.StatusOK {
		return &APIError{StatusCode: resp.StatusCode, Message: string(body)}
	}

	if dest != nil {
		if err := json.Unmarshal(gr.Data, dest); err != nil {
			log.Ctx(req.Context()).ErrorContext(req.Context(), "failed to decode e.on next data", slog.Any("error", err))
			return fmt.Errorf("failed to decode data: %w", err)
		}
	}
	return nil
}

type viewerAccountsResult struct {
	Viewer struct {
		Accounts []struct {
			Number string `json:"number"`
		} `json:"accounts"`
	} `json:"viewer"`
}

// AccountNumbers returns the account numbers visible to the logged in user.
func (c *Client) AccountNumbers(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	req, err := c.newGraphQLRequest(ctx, "headerGetLoggedInUser", accountNumbersQuery, map[string]interface{}{})
	if err != nil {
		return nil, err
	}

	var res viewerAccountsResult
	if err := c.doRequest(req, &res); err != nil {
		return nil, fmt.Errorf("headerGetLoggedInUser failed: %w", err)
	}

	numbers := make([]string, 0, len(res.Viewer.Accounts))
	for _, a := range res.Viewer.Accounts {
		if a.Number != "" {
			numbers = append(numbers, a.Number)
		}
	}
	log.Ctx(ctx).DebugContext(ctx, "e.on next accounts", slog.Int("count", len(numbers)))
	return numbers, nil
}

type meterSelectorResult struct {
	Properties []struct {
		ElectricityMeterPoints []meterPoint `json:"electricityMeterPoints"`
		GasMeterPoints         []meterPoint `json:"gasMeterPoints"`
	} `json:"properties"`
}

type meterPoint struct {
	ID     string `json:"id"`
	MPAN   string `json:"mpan"`
	MPRN   string `json:"mprn"`
	Meters []struct {
		ID           string `json:"id"`
		SerialNumber string `json:"serialNumber"`
		Registers    []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"registers"`
	} `json:"meters"`
}

// Meters returns every electricity and gas meter across all properties on the
// given account. Meters with no serial number are skipped.
func (c *Client) Meters(ctx context.Context, accountNumber string) ([]types.Meter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	req, err := c.newGraphQLRequest(ctx, "getAccountMeterSelector", metersQuery, map[string]interface{}{
		"accountNumber": accountNumber,
		"showInactive":  false,
	})
	if err != nil {
		return nil, err
	}

	var res meterSelectorResult
	if err := c.doRequest(req, &res); err != nil {
		return nil, fmt.Errorf("getAccountMeterSelector failed: %w", err)
	}

	var meters []types.Meter
	for _, prop := range res.Properties {
		for _, mp := range prop.ElectricityMeterPoints {
			meters = append(meters, metersFromPoint(mp, types.FuelElectricity, mp.MPAN)...)
		}
		for _, mp := range prop.GasMeterPoints {
			meters = append(meters, metersFromPoint(mp, types.FuelGas, mp.MPRN)...)
		}
	}
	log.Ctx(ctx).DebugContext(ctx, "e.on next meters",
		slog.String("accountNumber", accountNumber),
		slog.Int("count", len(meters)),
	)
	return meters, nil
}

func metersFromPoint(mp meterPoint, fuel types.Fuel, supplyPointRef string) []types.Meter {
	var meters []types.Meter
	for _, m := range mp.Meters {
		if m.SerialNumber == "" {
			continue
		}
		meter := types.Meter{
			Fuel:           fuel,
			Serial:         m.SerialNumber,
			ID:             m.ID,
			MeterPointID:   mp.ID,
			SupplyPointRef: supplyPointRef,
		}
		for _, r := range m.Registers {
			meter.Registers = append(meter.Registers, types.Register{ID: r.ID, Name: r.Name})
		}
		meters = append(meters, meter)
	}
	return meters
}

type consumptionResult struct {
	Account struct {
		ElectricityAgreements []consumptionAgreement `json:"electricityAgreements"`
		GasAgreements         []consumptionAgreement `json:"gasAgreements"`
	} `json:"account"`
}

type consumptionAgreement struct {
	MeterPoint struct {
		Meters []struct {
			ID          string `json:"id"`
			Consumption struct {
				Edges []struct {
					Node struct {
						StartAt string  `json:"startAt"`
						EndAt   string  `json:"endAt"`
						Value   float64 `json:"value"`
					} `json:"node"`
				} `json:"edges"`
				PageInfo struct {
					HasNextPage bool   `json:"hasNextPage"`
					EndCursor   string `json:"endCursor"`
				} `json:"pageInfo"`
			} `json:"consumption"`
		} `json:"meters"`
	} `json:"meterPoint"`
}

// Consumption returns half-hourly readings for the given meter between start
// and end, paging through the API until end is reached or there are no more
// pages. Readings are returned oldest first.
func (c *Client) Consumption(ctx context.Context, accountNumber, meterID string, fuel types.Fuel, start, end time.Time) ([]types.Reading, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	operation := "getElectricityConsumption"
	query := electricityConsumptionQuery
	if fuel == types.FuelGas {
		operation = "getGasConsumption"
		query = gasConsumptionQuery
	}

	var readings []types.Reading
	var after string
	for {
		variables := map[string]interface{}{
			"accountNumber": accountNumber,
			"startDate":     start.UTC().Format("2006-01-02T15:04:05+00:00"),
		}
		if after != "" {
			variables["after"] = after
		}

		req, err := c.newGraphQLRequest(ctx, operation, query, variables)
		if err != nil {
			return nil, err
		}

		var res consumptionResult
		if err := c.doRequest(req, &res); err != nil {
			return nil, fmt.Errorf("%s failed: %w", operation, err)
		}

		agreements := res.Account.ElectricityAgreements
		if fuel == types.FuelGas {
			agreements = res.Account.GasAgreements
		}

		var found bool
		hasNextPage := false
		for _, agreement := range agreements {
			for _, m := range agreement.MeterPoint.Meters {
				if m.ID != meterID {
					continue
				}
				found = true
				for _, edge := range m.Consumption.Edges {
					ts, err := time.Parse(time.RFC3339, edge.Node.StartAt)
					if err != nil {
						log.Ctx(ctx).WarnContext(ctx, "failed to parse reading start", slog.String("startAt", edge.Node.StartAt), slog.Any("error", err))
						continue
					}
					if ts.After(end) {
						return readings, nil
					}
					te, err := time.Parse(time.RFC3339, edge.Node.EndAt)
					if err != nil {
						log.Ctx(ctx).WarnContext(ctx, "failed to parse reading end", slog.String("endAt", edge.Node.EndAt), slog.Any("error", err))
						continue
					}
					readings = append(readings, types.Reading{
						TSStart:        ts,
						TSEnd:          te,
						ConsumptionKWH: edge.Node.Value,
					})
				}
				hasNextPage = m.Consumption.PageInfo.HasNextPage
				after = m.Consumption.PageInfo.EndCursor
			}
		}
		if !found {
			log.Ctx(ctx).DebugContext(ctx, "meter not in consumption response",
				slog.String("accountNumber", accountNumber),
				slog.String("meterID", meterID),
				slog.String("fuel", string(fuel)),
			)
			return readings, nil
		}
		if !hasNextPage {
			break
		}
	}

	log.Ctx(ctx).DebugContext(ctx, "e.on next consumption",
		slog.String("meterID", meterID),
		slog.String("fuel", string(fuel)),
		slog.Int("readings", len(readings)),
	)
	return readings, nil
}

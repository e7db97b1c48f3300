package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"harborbank.org/internal/audit"
	"harborbank.org/internal/auth"
	"harborbank.org/internal/bank"
	"harborbank.org/internal/identity"
	"harborbank.org/internal/otp"
	"harborbank.org/internal/ratelimit"
	"harborbank.org/internal/store/memory"
	"harborbank.org/internal/stream"
	"harborbank.org/internal/transfer"
)

var codeInBody = regexp.MustCompile(`code is ([0-9a-f]+)\.`)

// inbox captures delivered codes by destination, synchronously.
type inbox struct {
	mu   sync.Mutex
	last map[string]string
}

func (b *inbox) Notify(_ context.Context, destination, _, body string) {
	m := codeInBody.FindStringSubmatch(body)
	if m == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.last == nil {
		b.last = make(map[string]string)
	}
	b.last[destination] = m[1]
}

func (b *inbox) code(t *testing.T, destination string) string {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.last[destination]
	if !ok {
		t.Fatalf("no code delivered to %s", destination)
	}
	return c
}

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
	inbox   *inbox
	people  *identity.Service
}

func newTestAPI(t *testing.T, otpOpts ...otp.Option) *apiClient {
	t.Helper()

	auth.SetSecret("test-secret")
	t.Cleanup(auth.ResetSecretForTests)

	store := memory.New()
	box := &inbox{}
	opts := append([]otp.Option{otp.WithNotifier(box), otp.WithAudit(audit.NewRecorder(store))}, otpOpts...)
	codes := otp.NewManager(store, opts...)
	events := stream.New()
	people := identity.NewService(store, codes, time.Hour)
	machine := transfer.NewMachine(store, store, store, codes, transfer.Config{
		Levels:       4,
		LevelCodeTTL: 5 * time.Minute,
		PendingTTL:   30 * time.Minute,
	}, transfer.WithPublisher(events))

	api := New(Deps{
		Users:     store,
		Accounts:  store,
		OTP:       codes,
		Transfers: machine,
		Identity:  people,
		Stream:    events,
	}, "test", WithRateLimit(1000, 1000))

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		t:       t,
		inbox:   box,
		people:  people,
	}
}

func bearerHeader(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		c.t.Fatalf("parse url: %v", err)
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("get request: %v", err)
	}
	return resp
}

func (c *apiClient) expect(resp *http.Response, status int) {
	c.t.Helper()
	if resp.StatusCode != status {
		var body map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		c.t.Fatalf("status = %d, want %d (body %v)", resp.StatusCode, status, body)
	}
}

// staffToken bootstraps the operator account the way startup does and logs in.
func (c *apiClient) staffToken() string {
	c.t.Helper()
	if _, _, err := c.people.EnsureStaff(context.Background(), "ops@harbor.test", "harbor2024", bank.RoleSuperAdmin); err != nil {
		c.t.Fatalf("bootstrap staff: %v", err)
	}
	resp := c.post("/v1/auth/login", map[string]any{"email": "ops@harbor.test", "password": "harbor2024"}, nil)
	c.expect(resp, http.StatusOK)
	login := decode[identity.LoginResult](c.t, resp)
	if login.Token == nil {
		c.t.Fatalf("no staff token: %+v", login)
	}
	return login.Token.AccessToken
}

// signupAndLogin registers a customer, confirms the email and returns id and token.
func (c *apiClient) signupAndLogin(email string) (string, string) {
	c.t.Helper()
	resp := c.post("/v1/auth/signup", map[string]any{"email": email, "password": "harbor2024"}, nil)
	c.expect(resp, http.StatusCreated)
	user := decode[bank.User](c.t, resp)

	resp = c.post("/v1/auth/login", map[string]any{"email": email, "password": "harbor2024"}, nil)
	c.expect(resp, http.StatusForbidden)
	resp.Body.Close()

	resp = c.post("/v1/auth/confirm", map[string]any{"user_id": user.ID, "code": c.inbox.code(c.t, email)}, nil)
	c.expect(resp, http.StatusOK)
	resp.Body.Close()

	resp = c.post("/v1/auth/login", map[string]any{"email": email, "password": "harbor2024"}, nil)
	c.expect(resp, http.StatusOK)
	login := decode[identity.LoginResult](c.t, resp)
	if login.Token == nil || login.Token.AccessToken == "" {
		c.t.Fatalf("no token in login result: %+v", login)
	}
	return user.ID, login.Token.AccessToken
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestTransferFlowOverHTTP(t *testing.T) {
	c := newTestAPI(t)
	adminToken := c.staffToken()
	userID, token := c.signupAndLogin("saver@harbor.test")

	resp := c.post("/v1/admin/accounts", map[string]any{"owner_id": userID, "currency": "usd", "balance": "500.00"}, bearerHeader(token))
	c.expect(resp, http.StatusForbidden)
	resp.Body.Close()

	resp = c.post("/v1/admin/accounts", map[string]any{"owner_id": userID, "currency": "usd", "balance": "500.00"}, bearerHeader(adminToken))
	c.expect(resp, http.StatusCreated)
	acct := decode[bank.Account](t, resp)
	if acct.Currency != "USD" || len(acct.Number) != 10 || acct.Status != bank.AccountActive {
		t.Fatalf("unexpected account: %+v", acct)
	}

	resp = c.post("/v1/transfers", map[string]any{
		"account_id": acct.ID,
		"amount":     "100.00",
		"recipient":  map[string]any{"name": "Jane Roe", "account_number": "9876543210"},
	}, bearerHeader(token))
	c.expect(resp, http.StatusCreated)
	created := decode[transferView](t, resp)
	if created.Status != transfer.StatusPending || created.NextLevel != 1 || len(created.Levels) != 4 {
		t.Fatalf("unexpected transfer: %+v", created)
	}
	base := "/v1/transfers/" + created.ID

	resp = c.post(base+"/complete", nil, bearerHeader(token))
	c.expect(resp, http.StatusConflict)
	resp.Body.Close()

	resp = c.post(base+"/levels/2/code", nil, bearerHeader(token))
	c.expect(resp, http.StatusConflict)
	resp.Body.Close()

	for level := 1; level <= 4; level++ {
		lp := base + "/levels/" + strconv.Itoa(level)
		resp = c.post(lp+"/code", nil, bearerHeader(token))
		c.expect(resp, http.StatusCreated)
		issued := decode[map[string]any](t, resp)
		if _, leaked := issued["code"]; leaked {
			t.Fatal("issue response must not carry the code")
		}
		resp = c.post(lp+"/verify", map[string]any{"code": c.inbox.code(t, "saver@harbor.test")}, bearerHeader(token))
		c.expect(resp, http.StatusOK)
		resp.Body.Close()
	}

	resp = c.get(base, nil, bearerHeader(token))
	c.expect(resp, http.StatusOK)
	view := decode[transferView](t, resp)
	if view.Status != transfer.StatusProcessing || !view.AllLevelsComplete || view.NextLevel != 0 {
		t.Fatalf("unexpected transfer after levels: %+v", view)
	}

	resp = c.post(base+"/complete", map[string]any{"current_balance": "400.00"}, bearerHeader(token))
	c.expect(resp, http.StatusConflict)
	resp.Body.Close()

	resp = c.post(base+"/complete", map[string]any{"current_balance": "500.00"}, bearerHeader(token))
	c.expect(resp, http.StatusOK)
	done := decode[struct {
		Transfer   transferView `json:"transfer"`
		NewBalance string       `json:"new_balance"`
	}](t, resp)
	if done.Transfer.Status != transfer.StatusCompleted || done.NewBalance != "400.00" {
		t.Fatalf("unexpected completion: %+v", done)
	}

	resp = c.post(base+"/complete", nil, bearerHeader(token))
	c.expect(resp, http.StatusConflict)
	resp.Body.Close()

	resp = c.get("/v1/accounts", nil, bearerHeader(token))
	c.expect(resp, http.StatusOK)
	accounts := decode[struct {
		Items []bank.Account `json:"items"`
	}](t, resp)
	if len(accounts.Items) != 1 || !accounts.Items[0].Balance.Equal(decimal.NewFromInt(400)) {
		t.Fatalf("unexpected accounts: %+v", accounts.Items)
	}
}

func TestTransferRoutesRequireAuth(t *testing.T) {
	c := newTestAPI(t)

	resp := c.get("/v1/transfers", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if resp.Header.Get("WWW-Authenticate") == "" {
		t.Fatal("expected WWW-Authenticate header")
	}
	resp.Body.Close()

	resp = c.get("/v1/transfers", nil, bearerHeader("not-a-jwt"))
	c.expect(resp, http.StatusUnauthorized)
	resp.Body.Close()
}

func TestTransferOfAnotherOwnerIsHidden(t *testing.T) {
	c := newTestAPI(t)
	adminToken := c.staffToken()
	ownerID, ownerToken := c.signupAndLogin("owner@harbor.test")
	_, otherToken := c.signupAndLogin("other@harbor.test")

	resp := c.post("/v1/admin/accounts", map[string]any{"owner_id": ownerID, "currency": "EUR", "balance": "50"}, bearerHeader(adminToken))
	c.expect(resp, http.StatusCreated)
	acct := decode[bank.Account](t, resp)

	resp = c.post("/v1/transfers", map[string]any{
		"account_id": acct.ID,
		"amount":     "10",
		"recipient":  map[string]any{"name": "A", "account_number": "1"},
	}, bearerHeader(ownerToken))
	c.expect(resp, http.StatusCreated)
	tr := decode[transferView](t, resp)

	resp = c.get("/v1/transfers/"+tr.ID, nil, bearerHeader(otherToken))
	c.expect(resp, http.StatusNotFound)
	resp.Body.Close()

	resp = c.post("/v1/transfers/"+tr.ID+"/fail", nil, bearerHeader(otherToken))
	c.expect(resp, http.StatusNotFound)
	resp.Body.Close()

	resp = c.post("/v1/admin/transfers/"+tr.ID+"/fail", map[string]any{"reason": "fraud review"}, bearerHeader(adminToken))
	c.expect(resp, http.StatusOK)
	failed := decode[transferView](t, resp)
	if failed.Status != transfer.StatusFailed || failed.FailureReason != "fraud review" {
		t.Fatalf("unexpected transfer: %+v", failed)
	}
}

func TestOTPEndpoints(t *testing.T) {
	c := newTestAPI(t)

	resp := c.post("/v1/otp", map[string]any{"identifier": "x@harbor.test", "purpose": "TRANSACTION"}, nil)
	c.expect(resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = c.post("/v1/otp", map[string]any{"identifier": "x@harbor.test", "purpose": "nope"}, nil)
	c.expect(resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = c.post("/v1/otp", map[string]any{"identifier": "x@harbor.test", "purpose": "account_opening"}, nil)
	c.expect(resp, http.StatusCreated)
	issued := decode[map[string]any](t, resp)
	if _, leaked := issued["code"]; leaked {
		t.Fatal("issue response must not carry the code")
	}
	if issued["expires_in"] != float64(600) {
		t.Fatalf("expires_in = %v", issued["expires_in"])
	}

	verify := map[string]any{"identifier": "X@harbor.test", "purpose": "ACCOUNT_OPENING", "code": "000000x"}
	resp = c.post("/v1/otp/verify", verify, nil)
	c.expect(resp, http.StatusUnprocessableEntity)
	resp.Body.Close()

	verify["code"] = c.inbox.code(t, "x@harbor.test")
	resp = c.post("/v1/otp/verify", verify, nil)
	c.expect(resp, http.StatusOK)
	resp.Body.Close()

	resp = c.post("/v1/otp/verify", verify, nil)
	c.expect(resp, http.StatusUnprocessableEntity)
	resp.Body.Close()
}

func TestOTPIssueThrottled(t *testing.T) {
	c := newTestAPI(t, otp.WithLimiter(ratelimit.NewLocal(ratelimit.Policy{Cooldown: time.Minute})))

	body := map[string]any{"identifier": "busy@harbor.test", "purpose": "2FA"}
	resp := c.post("/v1/otp", body, nil)
	c.expect(resp, http.StatusCreated)
	resp.Body.Close()

	resp = c.post("/v1/otp", body, nil)
	c.expect(resp, http.StatusTooManyRequests)
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
	resp.Body.Close()
}

func TestLevelCodesOnlyVerifyThroughTransfer(t *testing.T) {
	c := newTestAPI(t)
	adminToken := c.staffToken()
	ownerID, token := c.signupAndLogin("levels@harbor.test")

	resp := c.post("/v1/admin/accounts", map[string]any{"owner_id": ownerID, "currency": "USD", "balance": "20"}, bearerHeader(adminToken))
	c.expect(resp, http.StatusCreated)
	acct := decode[bank.Account](t, resp)

	resp = c.post("/v1/transfers", map[string]any{
		"account_id": acct.ID,
		"amount":     "5",
		"recipient":  map[string]any{"name": "B", "account_number": "2"},
	}, bearerHeader(token))
	c.expect(resp, http.StatusCreated)
	tr := decode[transferView](t, resp)
	ref := transfer.LevelReference(tr.ID, 1)

	resp = c.post("/v1/otp", map[string]any{"identifier": "levels@harbor.test", "purpose": "TRANSACTION", "reference": ref}, bearerHeader(token))
	c.expect(resp, http.StatusBadRequest)
	resp.Body.Close()

	lp := "/v1/transfers/" + tr.ID + "/levels/1"
	resp = c.post(lp+"/code", nil, bearerHeader(token))
	c.expect(resp, http.StatusCreated)
	resp.Body.Close()
	code := c.inbox.code(t, "levels@harbor.test")

	for _, guess := range []string{"0000000", code} {
		resp = c.post("/v1/otp/verify", map[string]any{
			"identifier": "levels@harbor.test",
			"purpose":    "TRANSACTION",
			"reference":  " " + ref,
			"code":       guess,
		}, bearerHeader(token))
		c.expect(resp, http.StatusBadRequest)
		resp.Body.Close()
	}

	resp = c.post(lp+"/verify", map[string]any{"code": code}, bearerHeader(token))
	c.expect(resp, http.StatusOK)
	view := decode[transferView](t, resp)
	if !view.Levels[0] || view.NextLevel != 2 {
		t.Fatalf("level 1 not recorded: %+v", view)
	}
}

func TestPasswordResetOverHTTP(t *testing.T) {
	c := newTestAPI(t)
	c.signupAndLogin("forgetful@harbor.test")

	resp := c.post("/v1/auth/password/forgot", map[string]any{"email": "nobody@harbor.test"}, nil)
	c.expect(resp, http.StatusAccepted)
	resp.Body.Close()

	resp = c.post("/v1/auth/password/forgot", map[string]any{"email": "forgetful@harbor.test"}, nil)
	c.expect(resp, http.StatusAccepted)
	resp.Body.Close()
	token := c.inbox.code(t, "forgetful@harbor.test")
	if len(token) != 32 {
		t.Fatalf("reset token %q should be 32 hex chars", token)
	}

	resp = c.post("/v1/auth/password/reset", map[string]any{"email": "forgetful@harbor.test", "token": token, "new_password": "short"}, nil)
	c.expect(resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = c.post("/v1/auth/password/reset", map[string]any{"email": "forgetful@harbor.test", "token": token, "new_password": "n3wharbor2024"}, nil)
	c.expect(resp, http.StatusNoContent)
	resp.Body.Close()

	resp = c.post("/v1/auth/login", map[string]any{"email": "forgetful@harbor.test", "password": "n3wharbor2024"}, nil)
	c.expect(resp, http.StatusOK)
	resp.Body.Close()
}

func TestTwoFactorLogin(t *testing.T) {
	c := newTestAPI(t)
	userID, token := c.signupAndLogin("careful@harbor.test")

	resp := c.post("/v1/me/two-factor", map[string]any{"enabled": true}, bearerHeader(token))
	c.expect(resp, http.StatusOK)
	resp.Body.Close()

	resp = c.post("/v1/auth/login", map[string]any{"email": "careful@harbor.test", "password": "harbor2024"}, nil)
	c.expect(resp, http.StatusAccepted)
	challenge := decode[identity.LoginResult](t, resp)
	if !challenge.TwoFactorRequired || challenge.Token != nil || challenge.UserID != userID {
		t.Fatalf("unexpected challenge: %+v", challenge)
	}

	resp = c.post("/v1/auth/login/verify", map[string]any{"user_id": userID, "code": c.inbox.code(t, "careful@harbor.test")}, nil)
	c.expect(resp, http.StatusOK)
	tok := decode[identity.Token](t, resp)
	if tok.AccessToken == "" || tok.TokenType != "Bearer" {
		t.Fatalf("unexpected token: %+v", tok)
	}

	resp = c.get("/v1/me", nil, bearerHeader(tok.AccessToken))
	c.expect(resp, http.StatusOK)
	me := decode[bank.User](t, resp)
	if !me.TwoFactorEnabled || me.Email != "careful@harbor.test" {
		t.Fatalf("unexpected user: %+v", me)
	}
}

func TestUnknownRouteReturnsJSON(t *testing.T) {
	c := newTestAPI(t)
	resp := c.get("/v1/nowhere", nil, map[string]string{"X-Request-ID": "req-42"})
	c.expect(resp, http.StatusNotFound)
	body := decode[map[string]any](t, resp)
	if body["request_id"] != "req-42" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestHealthAndInfo(t *testing.T) {
	c := newTestAPI(t)
	resp := c.get("/healthz", nil, nil)
	c.expect(resp, http.StatusOK)
	resp.Body.Close()

	resp = c.get("/v1/info", nil, nil)
	c.expect(resp, http.StatusOK)
	info := decode[map[string]any](t, resp)
	if info["name"] != serviceName || info["security_levels"] != float64(4) {
		t.Fatalf("unexpected info: %v", info)
	}
}

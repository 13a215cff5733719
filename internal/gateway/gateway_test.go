package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/settlegate/internal/apperror"
	"github.com/terminal-bench/settlegate/internal/auth"
	"github.com/terminal-bench/settlegate/internal/config"
	"github.com/terminal-bench/settlegate/internal/dispute"
	"github.com/terminal-bench/settlegate/internal/evidence"
	"github.com/terminal-bench/settlegate/internal/selection"
	"github.com/terminal-bench/settlegate/pkg/circuit"
	"github.com/terminal-bench/settlegate/pkg/messaging"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type staticSettings struct{}

func (staticSettings) Resolve(ctx context.Context) config.Settings { return config.Defaults() }

type fakeSelector struct {
	res  *selection.Result
	err  error
	last selection.Request
}

func (f *fakeSelector) Select(ctx context.Context, req selection.Request, s config.Settings) (*selection.Result, error) {
	f.last = req
	return f.res, f.err
}

type fakeDisputes struct {
	mu        sync.Mutex
	disputes  map[uuid.UUID]*dispute.Dispute
	createErr error
	respErr   error
	lastResp  dispute.RespondRequest
	lastDec   dispute.DecideRequest
}

func newFakeDisputes() *fakeDisputes {
	return &fakeDisputes{disputes: make(map[uuid.UUID]*dispute.Dispute)}
}

func (f *fakeDisputes) add(d *dispute.Dispute) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disputes[d.ID] = d
}

func (f *fakeDisputes) Create(ctx context.Context, req dispute.CreateRequest, s config.Settings) (*dispute.Created, error) {
	d := &dispute.Dispute{ID: uuid.New(), Type: req.Type, Amount: req.Amount, ClaimantID: req.ClaimantID, Status: dispute.StatusRouted}
	if f.createErr != nil {
		d.Status = dispute.StatusUnroutable
		f.add(d)
		return &dispute.Created{Dispute: d, Route: &dispute.Route{Detail: "no owner"}}, f.createErr
	}
	f.add(d)
	return &dispute.Created{Dispute: d, Route: &dispute.Route{Success: true, ResponsibleID: "prov-1", Method: dispute.MethodUTR}}, nil
}

func (f *fakeDisputes) Respond(ctx context.Context, req dispute.RespondRequest) (*dispute.Responded, error) {
	f.lastResp = req
	if f.respErr != nil {
		return nil, f.respErr
	}
	d, err := f.Get(ctx, req.DisputeID)
	if err != nil {
		return nil, err
	}
	return &dispute.Responded{Dispute: d, Status: dispute.StatusCounterpartyAccepted}, nil
}

func (f *fakeDisputes) Decide(ctx context.Context, req dispute.DecideRequest, s config.Settings) (*dispute.Decided, error) {
	f.lastDec = req
	d, err := f.Get(ctx, req.DisputeID)
	if err != nil {
		return nil, err
	}
	return &dispute.Decided{Dispute: d, Status: dispute.StatusAdjudicatorApproved}, nil
}

func (f *fakeDisputes) Assign(ctx context.Context, req dispute.AssignRequest) (*dispute.Dispute, error) {
	d, err := f.Get(ctx, req.DisputeID)
	if err != nil {
		return nil, err
	}
	d.ResponsibleID = req.ResponsibleID
	d.Status = dispute.StatusRouted
	return d, nil
}

func (f *fakeDisputes) Get(ctx context.Context, id uuid.UUID) (*dispute.Dispute, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.disputes[id]
	if !ok {
		return nil, apperror.NotFound("dispute %s not found", id)
	}
	return d, nil
}

func (f *fakeDisputes) Unroutable(ctx context.Context, limit int) ([]dispute.Dispute, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []dispute.Dispute
	for _, d := range f.disputes {
		if d.Status == dispute.StatusUnroutable {
			out = append(out, *d)
		}
	}
	return out, nil
}

type fakeCircuits struct {
	records     []circuit.Record
	transitions []circuit.Transition
}

func (f *fakeCircuits) Refresh(ctx context.Context, cfg circuit.Config) (*circuit.Snapshot, []circuit.Transition, error) {
	return circuit.NewSnapshot(cfg, f.records), f.transitions, nil
}

type captureTransitions struct {
	got []circuit.Transition
}

func (c *captureTransitions) RecordTransitions(ctx context.Context, ts []circuit.Transition) {
	c.got = append(c.got, ts...)
}

type fakeEvidence struct {
	content []byte
	name    string
}

func (f *fakeEvidence) Put(ctx context.Context, disputeID uuid.UUID, filename string, r io.Reader, size int64, contentType string) (*evidence.Object, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	f.content, f.name = b, filename
	return &evidence.Object{Key: "disputes/" + disputeID.String() + "/" + filename, Size: size}, nil
}

type fakeBus struct {
	mu       sync.Mutex
	handlers map[string]func(*messaging.Event)
}

func (b *fakeBus) Subscribe(subject string, handler func(*messaging.Event)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlers == nil {
		b.handlers = make(map[string]func(*messaging.Event))
	}
	b.handlers[subject] = handler
	return nil
}

func (b *fakeBus) deliver(subject string, e *messaging.Event) {
	b.mu.Lock()
	h := b.handlers[subject]
	b.mu.Unlock()
	h(e)
}

type fixture struct {
	gw          *Gateway
	tokens      *auth.Service
	selector    *fakeSelector
	disputes    *fakeDisputes
	circuits    *fakeCircuits
	transitions *captureTransitions
	evidence    *fakeEvidence
	bus         *fakeBus
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	f := &fixture{
		tokens:      auth.NewService("test-secret", time.Hour),
		selector:    &fakeSelector{},
		disputes:    newFakeDisputes(),
		circuits:    &fakeCircuits{},
		transitions: &captureTransitions{},
		evidence:    &fakeEvidence{},
		bus:         &fakeBus{},
	}
	gw, err := NewGateway(cfg, Deps{
		Auth:        f.tokens,
		Settings:    staticSettings{},
		Selector:    f.selector,
		Disputes:    f.disputes,
		Circuits:    f.circuits,
		Transitions: f.transitions,
		Evidence:    f.evidence,
		Events:      f.bus,
		Logger:      logger,
	})
	require.NoError(t, err)
	f.gw = gw
	return f
}

func (f *fixture) token(t *testing.T, principal string, role auth.Role) string {
	t.Helper()
	tok, err := f.tokens.Issue(principal, role)
	require.NoError(t, err)
	return tok
}

func (f *fixture) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.gw.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestAuth(t *testing.T) {
	f := newFixture(t, Config{})

	t.Run("should serve health without a token", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/health", "", nil)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.NotEmpty(t, w.Header().Get("X-Correlation-ID"))
	})

	t.Run("should reject missing and invalid tokens", func(t *testing.T) {
		assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodPost, "/api/v1/selections", "", nil).Code)
		assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodPost, "/api/v1/selections", "garbage", nil).Code)
	})

	t.Run("should enforce roles", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/api/v1/selections", f.token(t, "prov-1", auth.RoleProvider), gin.H{"amount": "100"})
		assert.Equal(t, http.StatusForbidden, w.Code)
	})
}

func TestSelectEndpoint(t *testing.T) {
	f := newFixture(t, Config{})
	merchant := f.token(t, "merchant-1", auth.RoleMerchant)

	t.Run("should return the chosen endpoint", func(t *testing.T) {
		f.selector.res = &selection.Result{Success: true, EndpointID: "ep-1", Score: 91, Attempts: 1, Tier: selection.TierSmall}
		f.selector.err = nil

		w := f.do(t, http.MethodPost, "/api/v1/selections", merchant, gin.H{"amount": "2500.00"})

		require.Equal(t, http.StatusOK, w.Code)
		body := decode(t, w)
		assert.Equal(t, "ep-1", body["endpoint_id"])
		assert.Equal(t, "merchant-1", f.selector.last.PrincipalID)
		assert.True(t, f.selector.last.Amount.Equal(decimal.NewFromInt(2500)))
		assert.NotEqual(t, uuid.Nil, f.selector.last.RequestID)
	})

	t.Run("should surface a selection failure as unavailable", func(t *testing.T) {
		f.selector.res = &selection.Result{Error: "no payment method currently available, try again shortly", Reason: selection.ReasonAllCircuitsOpen}
		f.selector.err = apperror.WithCode(apperror.KindNoEligibleCandidate, selection.ReasonAllCircuitsOpen, "every candidate bank circuit is open")

		w := f.do(t, http.MethodPost, "/api/v1/selections", merchant, gin.H{"amount": 60000})

		require.Equal(t, http.StatusServiceUnavailable, w.Code)
		body := decode(t, w)
		assert.Equal(t, selection.ReasonAllCircuitsOpen, body["reason"])
		assert.Equal(t, false, body["success"])
	})

	t.Run("should reject a malformed request id", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/api/v1/selections", merchant, gin.H{"amount": "10", "request_id": "nope"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestDisputeRoutes(t *testing.T) {
	f := newFixture(t, Config{})
	merchant := f.token(t, "merchant-1", auth.RoleMerchant)
	provider := f.token(t, "prov-1", auth.RoleProvider)
	stranger := f.token(t, "prov-9", auth.RoleProvider)
	adjudicator := f.token(t, "admin-1", auth.RoleAdjudicator)
	operator := f.token(t, "ops-1", auth.RoleOperator)

	d := &dispute.Dispute{ID: uuid.New(), Type: dispute.TypeIncoming, Amount: decimal.NewFromInt(500), ClaimantID: "merchant-1", ResponsibleID: "prov-1", Status: dispute.StatusRouted}
	f.disputes.add(d)
	path := "/api/v1/disputes/" + d.ID.String()

	t.Run("should create a dispute for the caller", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/api/v1/disputes", merchant, gin.H{"type": "incoming", "amount": "500", "payment_handle": "payer@upi"})

		require.Equal(t, http.StatusCreated, w.Code)
		body := decode(t, w)
		created := body["dispute"].(map[string]interface{})
		assert.Equal(t, "merchant-1", created["claimant_id"])
		assert.Equal(t, "utr", body["route"].(map[string]interface{})["method"])
	})

	t.Run("should accept an unroutable dispute for operator handling", func(t *testing.T) {
		f.disputes.createErr = apperror.New(apperror.KindRoutingFailure, "no owner")
		defer func() { f.disputes.createErr = nil }()

		w := f.do(t, http.MethodPost, "/api/v1/disputes", merchant, gin.H{"type": "outgoing", "amount": "500"})

		require.Equal(t, http.StatusAccepted, w.Code)
		body := decode(t, w)
		assert.Equal(t, "routing_failure", body["code"])
		assert.Equal(t, "unroutable", body["dispute"].(map[string]interface{})["status"])
	})

	t.Run("should reject an unknown dispute type", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/api/v1/disputes", merchant, gin.H{"type": "sideways", "amount": "500"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("should only show a dispute to its parties and staff", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, path, merchant, nil).Code)
		assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, path, provider, nil).Code)
		assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, path, operator, nil).Code)
		assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodGet, path, stranger, nil).Code)
		assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/disputes/"+uuid.NewString(), operator, nil).Code)
		assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/v1/disputes/not-a-uuid", operator, nil).Code)
	})

	t.Run("should pass the caller as responding actor", func(t *testing.T) {
		w := f.do(t, http.MethodPost, path+"/response", provider, gin.H{"action": "accept", "note": "refunded"})

		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "prov-1", f.disputes.lastResp.ActorID)
		assert.Equal(t, dispute.ResponseAccept, f.disputes.lastResp.Action)
	})

	t.Run("should map an invalid transition to conflict", func(t *testing.T) {
		f.disputes.respErr = apperror.InvalidTransition("dispute is resolved")
		defer func() { f.disputes.respErr = nil }()

		w := f.do(t, http.MethodPost, path+"/response", provider, gin.H{"action": "reject"})

		require.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, "invalid_transition", decode(t, w)["code"])
	})

	t.Run("should require the adjudicator role to decide", func(t *testing.T) {
		assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodPost, path+"/decision", provider, gin.H{"decision": "approve"}).Code)

		w := f.do(t, http.MethodPost, path+"/decision", adjudicator, gin.H{"decision": "approve", "note": "verified"})
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "admin-1", f.disputes.lastDec.AdjudicatorID)
		assert.Equal(t, dispute.DecisionApprove, f.disputes.lastDec.Decision)
	})

	t.Run("should reject an unknown decision", func(t *testing.T) {
		w := f.do(t, http.MethodPost, path+"/decision", adjudicator, gin.H{"decision": "maybe"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("should list and assign unroutable disputes", func(t *testing.T) {
		parked := &dispute.Dispute{ID: uuid.New(), Type: dispute.TypeOutgoing, Amount: decimal.NewFromInt(10), ClaimantID: "merchant-1", Status: dispute.StatusUnroutable}
		f.disputes.add(parked)

		assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodGet, "/api/v1/disputes/unroutable", merchant, nil).Code)

		w := f.do(t, http.MethodGet, "/api/v1/disputes/unroutable", operator, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.GreaterOrEqual(t, decode(t, w)["count"], float64(1))

		w = f.do(t, http.MethodPost, "/api/v1/disputes/"+parked.ID.String()+"/assign", operator, gin.H{"responsible_id": "prov-2"})
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "prov-2", decode(t, w)["responsible_id"])
	})
}

func TestUploadEvidence(t *testing.T) {
	f := newFixture(t, Config{})
	d := &dispute.Dispute{ID: uuid.New(), Type: dispute.TypeOutgoing, ClaimantID: "merchant-1", ResponsibleID: "prov-1", Status: dispute.StatusRouted}
	f.disputes.add(d)

	upload := func(token string) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		part, err := mw.CreateFormFile("file", "receipt.pdf")
		require.NoError(t, err)
		_, err = part.Write([]byte("%PDF-1.4 proof"))
		require.NoError(t, err)
		require.NoError(t, mw.Close())

		req := httptest.NewRequest(http.MethodPost, "/api/v1/disputes/"+d.ID.String()+"/evidence", &buf)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		f.gw.Handler().ServeHTTP(w, req)
		return w
	}

	t.Run("should store the file for a party to the dispute", func(t *testing.T) {
		w := upload(f.token(t, "prov-1", auth.RoleProvider))

		require.Equal(t, http.StatusCreated, w.Code)
		assert.Equal(t, "receipt.pdf", f.evidence.name)
		assert.Equal(t, "%PDF-1.4 proof", string(f.evidence.content))
		assert.Contains(t, decode(t, w)["proof_reference"], d.ID.String())
	})

	t.Run("should refuse outsiders", func(t *testing.T) {
		w := upload(f.token(t, "prov-9", auth.RoleProvider))
		assert.Equal(t, http.StatusForbidden, w.Code)
	})
}

func TestListCircuits(t *testing.T) {
	f := newFixture(t, Config{})
	trippedAt := time.Now()
	f.circuits.records = []circuit.Record{
		{Bank: "X", State: circuit.StateOpen, FailureRate: 0.67, Samples: 6, TrippedAt: &trippedAt},
		{Bank: "Y", State: circuit.StateClosed, Samples: 10},
	}
	f.circuits.transitions = []circuit.Transition{{Bank: "X", From: circuit.StateClosed, To: circuit.StateOpen}}

	w := f.do(t, http.MethodGet, "/api/v1/circuits", f.token(t, "ops-1", auth.RoleOperator), nil)

	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "1 of 2 banks blocked: X", body["summary"])
	circuits := body["circuits"].([]interface{})
	require.Len(t, circuits, 2)
	x := circuits[0].(map[string]interface{})
	assert.Equal(t, "open", x["state"])
	assert.Equal(t, false, x["available"])
	assert.Len(t, f.transitions.got, 1)
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, Config{RateLimitMax: 2, RateLimitWindow: time.Minute})
	f.selector.res = &selection.Result{Success: true}
	merchant := f.token(t, "merchant-1", auth.RoleMerchant)
	other := f.token(t, "merchant-2", auth.RoleMerchant)

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/v1/selections", merchant, gin.H{"amount": "1"}).Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, f.do(t, http.MethodPost, "/api/v1/selections", merchant, gin.H{"amount": "1"}).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/v1/selections", other, gin.H{"amount": "1"}).Code)
}

func TestRateLimiterWindow(t *testing.T) {
	now := time.Now()
	rl := NewRateLimiter(1, time.Minute)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("k"))
	assert.False(t, rl.Allow("k"))

	now = now.Add(61 * time.Second)
	assert.True(t, rl.Allow("k"))

	assert.True(t, NewRateLimiter(0, time.Minute).Allow("k"))
}

func TestUnroutableFeed(t *testing.T) {
	f := newFixture(t, Config{})
	server := httptest.NewServer(f.gw.Handler())
	defer server.Close()
	defer f.gw.Shutdown(context.Background())

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/v1/ws/unroutable?access_token=" + f.token(t, "ops-1", auth.RoleOperator)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return f.gw.feed.Count() == 1 }, time.Second, 10*time.Millisecond)

	id := uuid.New()
	event, err := messaging.NewEvent(messaging.SubjectDisputeUnroutable, id.String(), messaging.RoutingEvent{DisputeID: id, Detail: "no owner"}, messaging.EventMetadata{Source: "test"})
	require.NoError(t, err)
	f.bus.deliver(messaging.SubjectDisputeUnroutable, event)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var got messaging.Event
	require.NoError(t, json.Unmarshal(msg, &got))
	assert.Equal(t, messaging.SubjectDisputeUnroutable, got.Type)
	data, err := messaging.ParseEventData[messaging.RoutingEvent](&got)
	require.NoError(t, err)
	assert.Equal(t, id, data.DisputeID)
}

func TestStatusFor(t *testing.T) {
	cases := map[apperror.Kind]int{
		apperror.KindNotFound:                    http.StatusNotFound,
		apperror.KindValidation:                  http.StatusBadRequest,
		apperror.KindForbidden:                   http.StatusForbidden,
		apperror.KindInvalidTransition:           http.StatusConflict,
		apperror.KindNoEligibleCandidate:         http.StatusServiceUnavailable,
		apperror.KindConcurrentCapacityViolation: http.StatusServiceUnavailable,
		apperror.KindInternal:                    http.StatusInternalServerError,
	}
	for kind, status := range cases {
		assert.Equal(t, status, statusFor(kind), string(kind))
	}
}

// Package smartrest is a REST broker adapter for venues that use
// TOTP-assisted session login and HMAC-signed requests. Every call
// carries a bounded deadline; venue 5xx and transport timeouts are
// surfaced as transient, business rejections as permanent.
package smartrest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/shopspring/decimal"

	"github.com/realisonsdotcom/execution-core/internal/broker"
)

const (
	loginPath  = "/api/v1/session"
	ordersPath = "/api/v1/orders"

	headerAPIKey    = "X-API-KEY"
	headerSignature = "X-SIGN"
	headerTimestamp = "X-TIMESTAMP"
)

// credential field names the vault enforces for this venue.
var credentialFields = []string{"api_key", "api_secret", "client_code", "password", "totp_secret"}

type Config struct {
	BrokerID string
	BaseURL  string
	// CallTimeout bounds each venue call. Defaults to 10s.
	CallTimeout time.Duration
	// SessionTTL is how long a login token is reused before
	// re-authenticating. Defaults to 8h.
	SessionTTL time.Duration
	// LotSizes by instrument; instruments absent are unconstrained.
	LotSizes map[string]decimal.Decimal
}

type Adapter struct {
	cfg    Config
	client *http.Client

	mu       sync.Mutex
	sessions map[string]session // keyed by client_code
}

type session struct {
	token   string
	expires time.Time
}

func New(cfg Config) *Adapter {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 8 * time.Hour
	}
	return &Adapter{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.CallTimeout},
		sessions: make(map[string]session),
	}
}

func (a *Adapter) ID() string { return a.cfg.BrokerID }

func (a *Adapter) CredentialFields() []string {
	out := make([]string, len(credentialFields))
	copy(out, credentialFields)
	return out
}

func (a *Adapter) LotSize(instrument string) decimal.Decimal {
	return a.cfg.LotSizes[instrument]
}

type submitBody struct {
	ClientOrderID string `json:"client_order_id"`
	Instrument    string `json:"instrument"`
	Side          string `json:"side"`
	OrderType     string `json:"order_type"`
	Quantity      string `json:"quantity"`
	LimitPrice    string `json:"limit_price,omitempty"`
	TimeInForce   string `json:"time_in_force"`
}

type venueResponse struct {
	Status    string `json:"status"`
	BrokerRef string `json:"broker_ref"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Token     string `json:"token"`
}

func (a *Adapter) Submit(ctx context.Context, req broker.OrderRequest, cred broker.Credential) (broker.Ack, error) {
	body := submitBody{
		ClientOrderID: req.OrderID,
		Instrument:    req.Instrument,
		Side:          req.Side,
		OrderType:     req.OrderType,
		Quantity:      req.Quantity.String(),
		TimeInForce:   req.TimeInForce,
	}
	if req.LimitPrice != nil {
		body.LimitPrice = req.LimitPrice.String()
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return broker.Ack{}, broker.NewPermanent("encode", "could not encode order", err)
	}

	resp, err := a.call(ctx, http.MethodPost, ordersPath, raw, cred)
	if err != nil {
		return broker.Ack{}, err
	}
	switch resp.Status {
	case "acknowledged":
		if resp.BrokerRef == "" {
			return broker.Ack{}, broker.NewPermanent("protocol", "venue acknowledged without broker ref", nil)
		}
		return broker.Ack{BrokerRef: resp.BrokerRef, Status: broker.AckStatusAcknowledged}, nil
	case "rejected":
		return broker.Ack{}, broker.NewPermanent(resp.Code, resp.Message, nil)
	default:
		return broker.Ack{}, broker.NewPermanent("protocol", fmt.Sprintf("unexpected venue status %q", resp.Status), nil)
	}
}

func (a *Adapter) Cancel(ctx context.Context, brokerRef string, cred broker.Credential) (broker.Ack, error) {
	path := ordersPath + "/" + brokerRef + "/cancel"
	resp, err := a.call(ctx, http.MethodPost, path, nil, cred)
	if err != nil {
		return broker.Ack{}, err
	}
	switch resp.Status {
	case "cancelled":
		return broker.Ack{BrokerRef: brokerRef, Status: broker.AckStatusCancelled}, nil
	case "too_late":
		return broker.Ack{BrokerRef: brokerRef, Status: broker.AckStatusTooLate}, nil
	default:
		return broker.Ack{}, broker.NewPermanent("protocol", fmt.Sprintf("unexpected venue status %q", resp.Status), nil)
	}
}

// call performs a signed, session-authenticated venue request and
// decodes the venue envelope. Error text never includes header or
// credential values.
func (a *Adapter) call(ctx context.Context, method, path string, body []byte, cred broker.Credential) (*venueResponse, error) {
	token, err := a.sessionToken(ctx, cred)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.CallTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, method, a.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, broker.NewPermanent("request", "could not build venue request", err)
	}
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	sg := newSigner(cred.Field("api_secret"))
	httpReq.Header.Set(headerSignature, sg.sign(ts, method, path, body))
	sg.wipe()
	httpReq.Header.Set(headerAPIKey, cred.Field("api_key"))
	httpReq.Header.Set(headerTimestamp, ts)
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, broker.Classify(err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, broker.Classify(err)
	}
	var vr venueResponse
	// Decode before status mapping so 4xx rejects keep the venue code.
	if len(payload) > 0 {
		if derr := json.Unmarshal(payload, &vr); derr != nil && resp.StatusCode < 300 {
			return nil, broker.NewPermanent("protocol", "undecodable venue response", derr)
		}
	}
	if resp.StatusCode == http.StatusUnauthorized {
		// Session likely expired; forget it so the next attempt
		// re-authenticates.
		a.dropSession(cred.Field("client_code"))
	}
	if err := broker.ClassifyHTTPStatus(resp.StatusCode, vr.Code, venueMessage(vr, resp.StatusCode)); err != nil {
		return nil, err
	}
	return &vr, nil
}

func venueMessage(vr venueResponse, status int) string {
	if vr.Message != "" {
		return vr.Message
	}
	return fmt.Sprintf("venue returned HTTP %d", status)
}

// sessionToken returns a cached login token or performs a TOTP login.
func (a *Adapter) sessionToken(ctx context.Context, cred broker.Credential) (string, error) {
	clientCode := cred.Field("client_code")
	a.mu.Lock()
	if s, ok := a.sessions[clientCode]; ok && time.Now().Before(s.expires) {
		a.mu.Unlock()
		return s.token, nil
	}
	a.mu.Unlock()

	code, err := totp.GenerateCode(cred.Field("totp_secret"), time.Now())
	if err != nil {
		return "", broker.NewPermanent("totp", "could not generate one-time code", err)
	}
	loginReq := map[string]string{
		"client_code": clientCode,
		"password":    cred.Field("password"),
		"totp":        code,
	}
	raw, err := json.Marshal(loginReq)
	if err != nil {
		return "", broker.NewPermanent("encode", "could not encode login", err)
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.CallTimeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+loginPath, bytes.NewReader(raw))
	if err != nil {
		return "", broker.NewPermanent("request", "could not build login request", err)
	}
	httpReq.Header.Set(headerAPIKey, cred.Field("api_key"))
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return "", broker.Classify(err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", broker.Classify(err)
	}
	var vr venueResponse
	if len(payload) > 0 {
		_ = json.Unmarshal(payload, &vr)
	}
	if err := broker.ClassifyHTTPStatus(resp.StatusCode, vr.Code, venueMessage(vr, resp.StatusCode)); err != nil {
		return "", err
	}
	if vr.Token == "" {
		return "", broker.NewPermanent("protocol", "login succeeded without token", nil)
	}

	a.mu.Lock()
	a.sessions[clientCode] = session{token: vr.Token, expires: time.Now().Add(a.cfg.SessionTTL)}
	a.mu.Unlock()
	return vr.Token, nil
}

func (a *Adapter) dropSession(clientCode string) {
	a.mu.Lock()
	delete(a.sessions, clientCode)
	a.mu.Unlock()
}

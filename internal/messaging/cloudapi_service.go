package messaging

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/BTreeMap/SalesPipe/internal/models"
)

const (
	defaultGraphAPIBase = "https://graph.facebook.com/v21.0"
	defaultHTTPTimeout  = 10 * time.Second
)

// CloudAPIOpts holds configuration for the WhatsApp Cloud API service.
type CloudAPIOpts struct {
	Token         string
	PhoneNumberID string
	VerifyToken   string
	AppSecret     string
	GraphAPIBase  string
	HTTPClient    *http.Client
}

// CloudAPIOption defines a configuration option for the WhatsApp Cloud API service.
type CloudAPIOption func(*CloudAPIOpts)

// WithCloudToken sets the Graph API access token.
func WithCloudToken(token string) CloudAPIOption {
	return func(o *CloudAPIOpts) { o.Token = token }
}

// WithPhoneNumberID sets the business phone number id messages are sent from.
func WithPhoneNumberID(id string) CloudAPIOption {
	return func(o *CloudAPIOpts) { o.PhoneNumberID = id }
}

// WithVerifyToken sets the token Meta echoes during webhook verification.
func WithVerifyToken(token string) CloudAPIOption {
	return func(o *CloudAPIOpts) { o.VerifyToken = token }
}

// WithAppSecret enables X-Hub-Signature-256 verification of webhook payloads.
func WithAppSecret(secret string) CloudAPIOption {
	return func(o *CloudAPIOpts) { o.AppSecret = secret }
}

// WithGraphAPIBase overrides the Graph API base URL.
func WithGraphAPIBase(base string) CloudAPIOption {
	return func(o *CloudAPIOpts) { o.GraphAPIBase = base }
}

// WithCloudHTTPClient sets the HTTP client used for Graph API calls.
func WithCloudHTTPClient(c *http.Client) CloudAPIOption {
	return func(o *CloudAPIOpts) { o.HTTPClient = c }
}

// CloudAPIService implements Service on the Meta WhatsApp Cloud API.
type CloudAPIService struct {
	*inbox
	cfg        CloudAPIOpts
	httpClient *http.Client
}

// Compile-time check that CloudAPIService implements Service.
var _ Service = (*CloudAPIService)(nil)

// NewCloudAPIService creates a Cloud API service. Missing options fall back to
// WHATSAPP_CLOUD_TOKEN, WHATSAPP_CLOUD_PHONE_ID, WHATSAPP_VERIFY_TOKEN and WHATSAPP_APP_SECRET.
func NewCloudAPIService(opts ...CloudAPIOption) (*CloudAPIService, error) {
	var cfg CloudAPIOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Token == "" {
		cfg.Token = os.Getenv("WHATSAPP_CLOUD_TOKEN")
	}
	if cfg.PhoneNumberID == "" {
		cfg.PhoneNumberID = os.Getenv("WHATSAPP_CLOUD_PHONE_ID")
	}
	if cfg.VerifyToken == "" {
		cfg.VerifyToken = os.Getenv("WHATSAPP_VERIFY_TOKEN")
	}
	if cfg.AppSecret == "" {
		cfg.AppSecret = os.Getenv("WHATSAPP_APP_SECRET")
	}
	if cfg.GraphAPIBase == "" {
		cfg.GraphAPIBase = defaultGraphAPIBase
	}
	if cfg.Token == "" || cfg.PhoneNumberID == "" {
		return nil, fmt.Errorf("cloud API token and phone number id must be provided")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	slog.Debug("CloudAPIService config loaded", "phone_number_id", cfg.PhoneNumberID,
		"VerifyToken_set", cfg.VerifyToken != "", "AppSecret_set", cfg.AppSecret != "")
	return &CloudAPIService{inbox: newInbox("CloudAPIService"), cfg: cfg, httpClient: client}, nil
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a phone number.
func (s *CloudAPIService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalizePhone(recipient)
}

// Start is a no-op; inbound messages arrive through the webhook.
func (s *CloudAPIService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the responses channel.
func (s *CloudAPIService) Stop() error {
	s.stop()
	return nil
}

// Responses returns the channel of inbound messages received by the webhook.
func (s *CloudAPIService) Responses() <-chan models.InboundMessage {
	return s.responses
}

type cloudSendRequest struct {
	MessagingProduct string        `json:"messaging_product"`
	To               string        `json:"to"`
	Type             string        `json:"type"`
	Text             cloudSendText `json:"text"`
}

type cloudSendText struct {
	Body string `json:"body"`
}

type cloudError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type cloudSendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *cloudError `json:"error,omitempty"`
}

// SendMessage posts a text message to the Graph API and returns the wamid.
func (s *CloudAPIService) SendMessage(ctx context.Context, to string, body string) (string, error) {
	if s.isStopped() {
		return "", ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("CloudAPIService SendMessage validation error", "error", err, "to", to)
		return "", err
	}

	payload, err := json.Marshal(cloudSendRequest{
		MessagingProduct: "whatsapp",
		To:               canonicalTo,
		Type:             "text",
		Text:             cloudSendText{Body: body},
	})
	if err != nil {
		return "", fmt.Errorf("cloudapi: marshal send request: %w", err)
	}
	url := fmt.Sprintf("%s/%s/messages", s.cfg.GraphAPIBase, s.cfg.PhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("cloudapi: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.cfg.Token)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("cloudapi: send message to %s: %w", canonicalTo, err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("cloudapi: read response: %w", err)
	}

	var sendResp cloudSendResponse
	if err := json.Unmarshal(respBody, &sendResp); err != nil {
		return "", fmt.Errorf("cloudapi: unmarshal response (status %d): %w", resp.StatusCode, err)
	}
	if sendResp.Error != nil {
		return "", fmt.Errorf("cloudapi: API error %d: %s", sendResp.Error.Code, sendResp.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("cloudapi: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}
	id := ""
	if len(sendResp.Messages) > 0 {
		id = sendResp.Messages[0].ID
	}
	slog.Debug("CloudAPIService message sent", "to", canonicalTo, "id", id)
	return id, nil
}

// HandleVerification answers Meta's GET subscription challenge.
func (s *CloudAPIService) HandleVerification(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") == "subscribe" && s.cfg.VerifyToken != "" && q.Get("hub.verify_token") == s.cfg.VerifyToken {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, q.Get("hub.challenge"))
		return
	}
	slog.Warn("CloudAPIService webhook verification rejected", "mode", q.Get("hub.mode"))
	http.Error(w, "Forbidden", http.StatusForbidden)
}

type cloudWebhookEvent struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Messages []cloudInboundMessage `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type cloudInboundMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text,omitempty"`
	Image *struct {
		ID       string `json:"id"`
		MimeType string `json:"mime_type"`
		Caption  string `json:"caption"`
	} `json:"image,omitempty"`
}

// HandleInbound parses a webhook POST and emits every customer message it carries.
func (s *CloudAPIService) HandleInbound(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	if s.cfg.AppSecret != "" && !VerifySignature(s.cfg.AppSecret, body, r.Header.Get("X-Hub-Signature-256")) {
		slog.Warn("CloudAPIService webhook signature mismatch")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var event cloudWebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		slog.Warn("CloudAPIService webhook payload invalid", "error", err)
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	for _, entry := range event.Entry {
		for _, change := range entry.Changes {
			for _, m := range change.Value.Messages {
				msg, ok := s.toInbound(r.Context(), m)
				if !ok {
					continue
				}
				slog.Info("CloudAPIService inbound message", "phone", msg.Phone, "id", msg.ID, "has_image", len(msg.Image) > 0)
				s.emit(msg)
			}
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (s *CloudAPIService) toInbound(ctx context.Context, m cloudInboundMessage) (models.InboundMessage, bool) {
	phone, err := CanonicalizePhone(m.From)
	if err != nil {
		slog.Debug("CloudAPIService ignoring message from unusable sender", "from", m.From, "error", err)
		return models.InboundMessage{}, false
	}
	msg := models.InboundMessage{ID: m.ID, Phone: phone, Timestamp: time.Now().UTC()}
	if secs, err := strconv.ParseInt(m.Timestamp, 10, 64); err == nil {
		msg.Timestamp = time.Unix(secs, 0).UTC()
	}

	switch {
	case m.Type == "text" && m.Text != nil:
		msg.Text = m.Text.Body
	case m.Type == "image" && m.Image != nil:
		msg.Text = m.Image.Caption
		data, err := s.downloadMedia(ctx, m.Image.ID)
		if err != nil {
			slog.Warn("CloudAPIService media download failed", "phone", phone, "error", err)
		} else {
			msg.Image, msg.ImageMIME = data, m.Image.MimeType
		}
	default:
		slog.Debug("CloudAPIService ignoring unsupported message", "phone", phone, "type", m.Type)
		return models.InboundMessage{}, false
	}
	if msg.Text == "" && len(msg.Image) == 0 {
		return models.InboundMessage{}, false
	}
	return msg, true
}

// downloadMedia resolves a media id to its URL and fetches the bytes.
func (s *CloudAPIService) downloadMedia(ctx context.Context, mediaID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.GraphAPIBase+"/"+mediaID, nil)
	if err != nil {
		return nil, fmt.Errorf("cloudapi: create media request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
	meta, err := fetch(s.httpClient, req)
	if err != nil {
		return nil, err
	}
	var media struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(meta, &media); err != nil || media.URL == "" {
		return nil, fmt.Errorf("cloudapi: media %s has no url", mediaID)
	}

	req, err = http.NewRequestWithContext(ctx, http.MethodGet, media.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("cloudapi: create media download: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
	return fetch(s.httpClient, req)
}

// VerifySignature checks an X-Hub-Signature-256 header ("sha256=<hex>") against body.
func VerifySignature(appSecret string, body []byte, signature string) bool {
	const prefix = "sha256="
	if appSecret == "" || len(signature) <= len(prefix) || signature[:len(prefix)] != prefix {
		return false
	}
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature[len(prefix):]))
}

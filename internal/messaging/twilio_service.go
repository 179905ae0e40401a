package messaging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/BTreeMap/SalesPipe/internal/models"
)

const (
	whatsappPrefix = "whatsapp:"
	// maxMediaBytes bounds screenshots downloaded for vision extraction.
	maxMediaBytes = 10 << 20
	// DefaultMediaTimeout bounds a single media download.
	DefaultMediaTimeout = 15 * time.Second
)

// twilioAPI is the subset of the Twilio REST API the service calls.
type twilioAPI interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
	ListMessage(params *twilioApi.ListMessageParams) ([]twilioApi.ApiV2010Message, error)
}

// TwilioOpts holds configuration options for the Twilio WhatsApp service.
type TwilioOpts struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	HTTPClient *http.Client
}

// TwilioOption defines a configuration option for the Twilio WhatsApp service.
type TwilioOption func(*TwilioOpts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) TwilioOption {
	return func(o *TwilioOpts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) TwilioOption {
	return func(o *TwilioOpts) { o.AuthToken = token }
}

// WithFromNumber sets the business WhatsApp number, with or without the "whatsapp:" prefix.
func WithFromNumber(from string) TwilioOption {
	return func(o *TwilioOpts) { o.FromNumber = from }
}

// WithMediaHTTPClient sets the HTTP client used to download inbound media.
func WithMediaHTTPClient(c *http.Client) TwilioOption {
	return func(o *TwilioOpts) { o.HTTPClient = c }
}

// TwilioService implements Service and HistoryProvider on the Twilio WhatsApp API.
type TwilioService struct {
	*inbox
	api        twilioAPI
	from       string
	accountSID string
	authToken  string
	httpClient *http.Client
}

// Compile-time checks that TwilioService implements Service and HistoryProvider.
var (
	_ Service         = (*TwilioService)(nil)
	_ HistoryProvider = (*TwilioService)(nil)
)

// NewTwilioService creates a Twilio-backed service. Missing options fall back
// to TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER.
func NewTwilioService(opts ...TwilioOption) (*TwilioService, error) {
	var cfg TwilioOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromNumber == "" {
		cfg.FromNumber = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("Twilio service config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromNumber_set", cfg.FromNumber != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromNumber == "" {
		return nil, fmt.Errorf("from number must be provided")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	s := newTwilioService(client.Api, cfg.FromNumber)
	s.accountSID, s.authToken = cfg.AccountSID, cfg.AuthToken
	if cfg.HTTPClient != nil {
		s.httpClient = cfg.HTTPClient
	}
	return s, nil
}

func newTwilioService(api twilioAPI, from string) *TwilioService {
	if !strings.HasPrefix(from, whatsappPrefix) {
		from = whatsappPrefix + from
	}
	return &TwilioService{
		inbox:      newInbox("TwilioService"),
		api:        api,
		from:       from,
		httpClient: &http.Client{Timeout: DefaultMediaTimeout},
	}
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a WhatsApp phone number.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	canonical, err := CanonicalizePhone(strings.TrimPrefix(recipient, whatsappPrefix))
	if err != nil {
		return "", err
	}
	if canonical != recipient {
		slog.Debug("TwilioService canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// Start is a no-op for Twilio; inbound messages arrive through the webhook.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the responses channel.
func (s *TwilioService) Stop() error {
	s.stop()
	return nil
}

// Responses returns the channel of inbound messages received by the webhook.
func (s *TwilioService) Responses() <-chan models.InboundMessage {
	return s.responses
}

// SendMessage sends a WhatsApp message through Twilio and returns its SID.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) (string, error) {
	if s.isStopped() {
		return "", ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService SendMessage validation error", "error", err, "to", to)
		return "", err
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo(whatsappPrefix + "+" + canonicalTo)
	params.SetFrom(s.from)
	params.SetBody(body)

	resp, err := s.api.CreateMessage(params)
	if err != nil {
		slog.Error("TwilioService SendMessage failed", "to", canonicalTo, "error", err)
		return "", fmt.Errorf("failed to send message to %s: %w", canonicalTo, err)
	}
	sid := ""
	if resp != nil && resp.Sid != nil {
		sid = *resp.Sid
	}
	slog.Debug("TwilioService message sent", "to", canonicalTo, "sid", sid)
	return sid, nil
}

// RecentMessages returns up to limit messages exchanged with phone, oldest first.
// Messages sent from the business number are attributed to the assistant.
func (s *TwilioService) RecentMessages(ctx context.Context, phone string, limit int) ([]models.ChatTurn, error) {
	canonical, err := s.ValidateAndCanonicalizeRecipient(phone)
	if err != nil {
		return nil, err
	}
	customer := whatsappPrefix + "+" + canonical

	inbound, err := s.list(customer, s.from, limit)
	if err != nil {
		return nil, err
	}
	outbound, err := s.list(s.from, customer, limit)
	if err != nil {
		return nil, err
	}

	type dated struct {
		at   time.Time
		turn models.ChatTurn
	}
	all := make([]dated, 0, len(inbound)+len(outbound))
	for _, m := range append(inbound, outbound...) {
		if m.Body == nil || strings.TrimSpace(*m.Body) == "" {
			continue
		}
		role := models.RoleUser
		if m.From != nil && *m.From == s.from {
			role = models.RoleAssistant
		}
		all = append(all, dated{at: twilioTime(m.DateCreated), turn: models.ChatTurn{Role: role, Content: *m.Body}})
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].at.Before(all[j].at) })
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	turns := make([]models.ChatTurn, 0, len(all))
	for _, d := range all {
		turns = append(turns, d.turn)
	}
	return turns, nil
}

func (s *TwilioService) list(from, to string, limit int) ([]twilioApi.ApiV2010Message, error) {
	params := &twilioApi.ListMessageParams{}
	params.SetFrom(from)
	params.SetTo(to)
	if limit > 0 {
		params.SetLimit(limit)
	}
	msgs, err := s.api.ListMessage(params)
	if err != nil {
		return nil, fmt.Errorf("list twilio messages from %s: %w", from, err)
	}
	return msgs, nil
}

// TwilioWebhookHandler handles inbound Twilio webhook requests and emits
// them on the Responses channel.
func (s *TwilioService) TwilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("TwilioService webhook received")

	if err := r.ParseForm(); err != nil {
		slog.Error("TwilioService failed to parse webhook form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	from := r.FormValue("From")
	body := r.FormValue("Body")
	numMedia, _ := strconv.Atoi(r.FormValue("NumMedia"))
	mediaURL := r.FormValue("MediaUrl0")

	if from == "" || (body == "" && (numMedia == 0 || mediaURL == "")) {
		slog.Warn("TwilioService webhook missing fields", "from", from, "num_media", numMedia)
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}
	phone, err := s.ValidateAndCanonicalizeRecipient(from)
	if err != nil {
		slog.Warn("TwilioService webhook invalid sender", "from", from, "error", err)
		http.Error(w, "Invalid sender", http.StatusBadRequest)
		return
	}

	msg := models.InboundMessage{
		ID:        r.FormValue("MessageSid"),
		Phone:     phone,
		Text:      body,
		Timestamp: time.Now().UTC(),
	}
	if numMedia > 0 && mediaURL != "" {
		mime := r.FormValue("MediaContentType0")
		if strings.HasPrefix(mime, "image/") {
			data, err := s.downloadMedia(r.Context(), mediaURL)
			if err != nil {
				slog.Warn("TwilioService media download failed", "phone", phone, "error", err)
			} else {
				msg.Image, msg.ImageMIME = data, mime
			}
		}
	}

	slog.Info("TwilioService inbound message", "phone", phone, "id", msg.ID, "has_image", len(msg.Image) > 0)
	s.emit(msg)

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// downloadMedia fetches an inbound attachment; Twilio media URLs require account credentials.
func (s *TwilioService) downloadMedia(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build media request: %w", err)
	}
	if s.accountSID != "" {
		req.SetBasicAuth(s.accountSID, s.authToken)
	}
	return fetch(s.httpClient, req)
}

// fetch performs req and returns at most maxMediaBytes of a 2xx body.
func fetch(client *http.Client, req *http.Request) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", req.URL.Redacted(), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch %s: unexpected status %d", req.URL.Redacted(), resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", req.URL.Redacted(), err)
	}
	return data, nil
}

// twilioTime parses Twilio's RFC 1123 timestamps; unparsable values sort first.
func twilioTime(v *string) time.Time {
	if v == nil {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC1123Z, time.RFC1123, time.RFC3339} {
		if t, err := time.Parse(layout, *v); err == nil {
			return t
		}
	}
	return time.Time{}
}

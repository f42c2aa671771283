// Package telephony answers Twilio voice webhooks, records inbound calls and
// archives the finished recordings.
package telephony

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"github.com/twilio/twilio-go/twiml"

	"github.com/chadiek/turngate/internal/archive"
)

type Config struct {
	AccountSID string
	AuthToken  string
}

// callerWindowSeconds is how long a caller stays on the line after the
// greeting before the call wraps up.
const callerWindowSeconds = 120

// Service owns the /twilio routes. An inbound call is answered with TwiML, a
// call-level recording is started over the REST API, and the recording status
// callback pulls the finished audio into the archive.
type Service struct {
	config  Config
	archive archive.Storage
	rest    *twilio.RestClient
	http    *http.Client

	// startRecording is the REST call that begins a call recording.
	// Swappable in tests.
	startRecording func(callSID, callbackURL string) error
}

func New(config Config, store archive.Storage) *Service {
	if store == nil {
		store = archive.Nop{}
	}
	s := &Service{
		config:  config,
		archive: store,
		rest: twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: config.AccountSID,
			Password: config.AuthToken,
		}),
		http: &http.Client{Timeout: 30 * time.Second},
	}
	s.startRecording = s.startCallRecording
	return s
}

func (s *Service) RegisterRoutes(e *echo.Echo) {
	e.POST("/twilio/voice", s.handleVoice, s.verifySignature)
	e.POST("/twilio/recording-status", s.handleRecordingStatus, s.verifySignature)
}

// handleVoice answers an inbound call. Recording starts over the REST API so
// it covers the whole call; the webhook response only has to greet the caller
// and keep the line open.
func (s *Service) handleVoice(c echo.Context) error {
	params := webhookParams(c)
	callSID := params["CallSid"]
	log.Printf("Inbound call from %s, CallSID: %s", params["From"], callSID)

	statusURL := buildURL(c.Request(), "/twilio/recording-status")
	go func() {
		if err := s.startRecording(callSID, statusURL); err != nil {
			log.Printf("Failed to start recording for %s: %v", callSID, err)
		}
	}()

	doc, err := twiml.Voice([]twiml.Element{
		&twiml.VoiceSay{
			Message: "Hello! You are speaking with an automated agent and this call is recorded.",
		},
		&twiml.VoicePause{Length: fmt.Sprintf("%d", callerWindowSeconds)},
		&twiml.VoiceSay{Message: "Thank you for your call. Goodbye!"},
		&twiml.VoiceHangup{},
	})
	if err != nil {
		log.Printf("twiml build error: %v", err)
		return c.NoContent(http.StatusInternalServerError)
	}
	return c.XMLBlob(http.StatusOK, []byte(doc))
}

// startCallRecording begins a mono recording on an in-progress call and asks
// Twilio to POST the completion event to callbackURL.
func (s *Service) startCallRecording(callSID, callbackURL string) error {
	params := &twilioApi.CreateCallRecordingParams{}
	params.SetRecordingStatusCallback(callbackURL)
	params.SetRecordingStatusCallbackMethod("POST")
	params.SetRecordingStatusCallbackEvent([]string{"completed"})
	params.SetRecordingChannels("mono")

	if _, err := s.rest.Api.CreateCallRecording(callSID, params); err != nil {
		return fmt.Errorf("create call recording: %w", err)
	}
	return nil
}

func (s *Service) handleRecordingStatus(c echo.Context) error {
	params := webhookParams(c)
	status := params["RecordingStatus"]
	recordingURL := params["RecordingUrl"]
	recordingSID := params["RecordingSid"]

	log.Printf("Recording status: %s, SID: %s", status, recordingSID)

	if status == "completed" && recordingURL != "" {
		key := fmt.Sprintf("recordings/%s_%d.wav", recordingSID, time.Now().Unix())
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := s.archiveRecording(ctx, recordingURL, key); err != nil {
				log.Printf("Failed to archive recording: %v", err)
				return
			}
			log.Printf("Recording archived: %s", key)
		}()
	}
	return c.String(http.StatusOK, "OK")
}

// archiveRecording downloads the finished recording from Twilio and uploads
// it to the archive under key.
func (s *Service) archiveRecording(ctx context.Context, recordingURL, key string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, recordingURL+".wav", nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(s.config.AccountSID, s.config.AuthToken)

	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download recording: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return s.archive.Upload(key, "audio/wav", data)
}

// verifySignature authenticates a webhook before the handler runs and stashes
// the parsed form for it.
func (s *Service) verifySignature(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.config.AuthToken == "" {
			return c.String(http.StatusInternalServerError, "Missing TWILIO_AUTH_TOKEN")
		}
		body, err := io.ReadAll(c.Request().Body)
		if err != nil {
			return c.String(http.StatusBadRequest, "Failed to read body")
		}
		form, err := url.ParseQuery(string(body))
		if err != nil {
			return c.String(http.StatusBadRequest, "Failed to parse form")
		}
		params := make(map[string]string, len(form))
		for key, values := range form {
			if len(values) > 0 {
				params[key] = values[0]
			}
		}

		signature := c.Request().Header.Get("X-Twilio-Signature")
		fullURL := buildURL(c.Request(), c.Request().URL.Path)
		if !validSignature(s.config.AuthToken, signature, fullURL, params) {
			return c.String(http.StatusUnauthorized, "Invalid signature")
		}

		c.Set("twilioParams", params)
		return next(c)
	}
}

func webhookParams(c echo.Context) map[string]string {
	params, _ := c.Get("twilioParams").(map[string]string)
	return params
}

// validSignature checks the X-Twilio-Signature HMAC-SHA1 over the full URL
// followed by the form parameters concatenated in sorted key order.
func validSignature(authToken, signature, fullURL string, params map[string]string) bool {
	if signature == "" {
		return false
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var payload strings.Builder
	payload.WriteString(fullURL)
	for _, k := range keys {
		payload.WriteString(k)
		payload.WriteString(params[k])
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(payload.String()))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(signature), []byte(expected))
}

// buildURL reconstructs the public URL Twilio signed. Proxied deployments
// present the external host via X-Forwarded-Host.
func buildURL(r *http.Request, path string) string {
	scheme := "https"
	host := r.Header.Get("X-Forwarded-Host")
	if host == "" {
		host = r.Host
		if strings.Contains(host, "localhost") || strings.Contains(host, "127.0.0.1") {
			scheme = "http"
		}
	}
	return fmt.Sprintf("%s://%s%s", scheme, host, path)
}

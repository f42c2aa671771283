package httpserver

import (
	"context"
	"log"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/chadiek/turngate/internal/lexicon"
	"github.com/chadiek/turngate/internal/rtc"
)

// OfferHandler answers a WebRTC SDP offer.
type OfferHandler interface {
	HandleOffer(ctx context.Context, offer rtc.SessionDescription) (rtc.SessionDescription, error)
}

// Config wires the server's dependencies.
type Config struct {
	Offers  OfferHandler
	Lexicon *lexicon.Store
	// AuthToken, when set, is required on POST /call and PUT /lexicon.
	AuthToken string
}

// Server exposes call signaling and lexicon administration over HTTP.
type Server struct {
	echo *echo.Echo
	cfg  Config
}

// New constructs the HTTP server with routes.
func New(cfg Config) *Server {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization, "X-Auth-Token"},
	}))

	s := &Server{echo: e, cfg: cfg}

	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.POST("/call", s.handleCall)
	e.GET("/lexicon", s.handleGetLexicon)
	e.PUT("/lexicon", s.handlePutLexicon)

	return s
}

// Handler returns the root http.Handler for use with an http.Server.
func (s *Server) Handler() http.Handler { return s.echo }

// Echo exposes the underlying router so other services can register routes.
func (s *Server) Echo() *echo.Echo { return s.echo }

func (s *Server) handleCall(c echo.Context) error {
	if !authOK(c.Request(), s.cfg.AuthToken) {
		return c.NoContent(http.StatusUnauthorized)
	}
	var offer rtc.SessionDescription
	if err := c.Bind(&offer); err != nil {
		log.Printf("invalid offer: %v", err)
		return c.NoContent(http.StatusBadRequest)
	}
	answer, err := s.cfg.Offers.HandleOffer(c.Request().Context(), offer)
	if err != nil {
		log.Printf("webrtc handle offer failed: %v", err)
		return c.NoContent(http.StatusInternalServerError)
	}
	return c.JSON(http.StatusOK, answer)
}

type lexiconBody struct {
	Tokens []string `json:"tokens"`
}

func (s *Server) handleGetLexicon(c echo.Context) error {
	l := s.cfg.Lexicon.Current()
	return c.JSON(http.StatusOK, lexiconBody{Tokens: l.Tokens()})
}

// handlePutLexicon replaces the backchannel lexicon wholesale. Decisions made
// after this call see the new token set; in-flight decisions keep the old one.
func (s *Server) handlePutLexicon(c echo.Context) error {
	if !authOK(c.Request(), s.cfg.AuthToken) {
		return c.NoContent(http.StatusUnauthorized)
	}
	var body lexiconBody
	if err := c.Bind(&body); err != nil {
		return c.NoContent(http.StatusBadRequest)
	}
	l := lexicon.New(body.Tokens)
	if l.Len() == 0 {
		log.Printf("lexicon replaced with empty set; every utterance now interrupts")
	}
	s.cfg.Lexicon.Swap(l)
	return c.JSON(http.StatusOK, lexiconBody{Tokens: l.Tokens()})
}

// authOK accepts the token as ?password=, X-Auth-Token, or a bearer token.
// An empty expected token disables the check.
func authOK(r *http.Request, expected string) bool {
	if expected == "" {
		return true
	}
	if r == nil {
		return false
	}
	if r.URL != nil && r.URL.Query().Get("password") == expected {
		return true
	}
	if r.Header.Get("X-Auth-Token") == expected {
		return true
	}
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") && auth[7:] == expected {
		return true
	}
	return false
}

package server

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kevinmichaelchen/repo-summarizer/internal/apierr"
	"github.com/kevinmichaelchen/repo-summarizer/internal/gate"
	"github.com/kevinmichaelchen/repo-summarizer/internal/pipeline"
)

const headerAPIKey = "x-api-key"

type summarizeRequest struct {
	GitHubURL string `json:"githubUrl"`
}

type validateRequest struct {
	APIKey string `json:"apiKey"`
}

type validateResponse struct {
	Message   string    `json:"message"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// handleSummarize resolves credentials before reading the body, so a caller
// without any gets 401 regardless of payload. An API key takes precedence
// and the demo session is not verified when one is present.
func (s *Server) handleSummarize(c *gin.Context) {
	creds := gate.Credentials{APIKey: strings.TrimSpace(c.GetHeader(headerAPIKey))}
	if creds.APIKey == "" {
		demo, err := s.verifier.Verify(c.Request.Context(), c.Request.Header)
		if err != nil {
			s.renderError(c, apierr.Wrap(apierr.InvalidCredential, "Invalid demo session", err))
			return
		}
		if demo == nil {
			s.renderError(c, apierr.New(apierr.InvalidCredential, "Invalid API key"))
			return
		}
		creds.Demo = demo
	}

	var body summarizeRequest
	if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
		s.renderError(c, apierr.Wrap(apierr.InvalidRequest, "Invalid request body", err))
		return
	}

	resp, err := s.pipeline.Run(c.Request.Context(), pipeline.Request{
		Credentials: creds,
		GitHubURL:   body.GitHubURL,
	})
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleValidate(c *gin.Context) {
	var key string
	if c.Request.Method == http.MethodPost {
		var body validateRequest
		if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
			s.renderError(c, apierr.Wrap(apierr.InvalidCredential, "Invalid API key", err))
			return
		}
		key = body.APIKey
	}
	if key == "" {
		key = c.GetHeader(headerAPIKey)
	}
	if key == "" {
		key = c.Query("apiKey")
	}

	k, err := s.gate.Validate(c.Request.Context(), key)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, validateResponse{
		Message:   "Valid API key",
		Name:      k.Name,
		CreatedAt: k.CreatedAt,
	})
}

// renderError writes the caller-visible part of err. Wrapped causes only
// reach the log.
func (s *Server) renderError(c *gin.Context, err error) {
	e := apierr.From(err)
	attrs := []any{"kind", e.Kind, "status", e.Status, "path", c.FullPath()}
	if e.Err != nil {
		attrs = append(attrs, "error", e.Err)
	}
	if e.Status >= http.StatusInternalServerError {
		s.log.Error("request failed", attrs...)
	} else {
		s.log.Info("request rejected", attrs...)
	}

	body := gin.H{"error": e.Message}
	if e.Usage != nil {
		body["usage"] = *e.Usage
	}
	if e.Limit != nil {
		body["limit"] = *e.Limit
	}
	c.AbortWithStatusJSON(e.Status, body)
}

package gateway

import (
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
)

// handleAuthorize implements the authorization leg: validate the query,
// mint a code, and bounce back to the redirect URI.
func (s *Server) handleAuthorize(c *gin.Context) {
	responseType := c.Query("response_type")
	clientID := c.Query("client_id")
	redirectURI := c.Query("redirect_uri")
	state := c.Query("state")

	if responseType == "" || clientID == "" || redirectURI == "" || state == "" {
		badRequest(c, "response_type, client_id, redirect_uri, and state are required")
		return
	}
	if responseType != "code" {
		badRequest(c, "unsupported response_type")
		return
	}

	code, oerr := s.oauth.IssueCode(clientID, redirectURI)
	if oerr != nil {
		badRequest(c, oerr.Code)
		return
	}

	target, err := url.Parse(redirectURI)
	if err != nil {
		badRequest(c, "invalid redirect_uri")
		return
	}
	q := target.Query()
	q.Set("code", code)
	q.Set("state", state)
	target.RawQuery = q.Encode()

	c.Redirect(http.StatusFound, target.String())
}

type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Code         string `json:"code"`
	RedirectURI  string `json:"redirect_uri"`
}

func (s *Server) handleToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}

	token, oerr := s.oauth.Exchange(req.GrantType, req.ClientID, req.ClientSecret, req.Code, req.RedirectURI)
	if oerr != nil {
		status := http.StatusBadRequest
		if oerr.Code == "invalid_client" {
			status = http.StatusUnauthorized
		}
		c.JSON(status, oerr)
		return
	}

	c.JSON(http.StatusOK, token)
}

package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// ctxKeyUnkeyKeyID is the gin context key the middleware stores the verified
// key id under.
const ctxKeyUnkeyKeyID = "unkey_key_id"

// unkeyVerifyRequest is the body POSTed to the key-verification service.
type unkeyVerifyRequest struct {
	Key   string `json:"key"`
	APIID string `json:"apiId,omitempty"`
}

type unkeyVerifyResponse struct {
	Valid bool   `json:"valid"`
	KeyID string `json:"keyId"`
	Code  string `json:"code,omitempty"`
}

// bearerAuth extracts the Authorization bearer token and, when a verify
// endpoint is configured, checks it against the key-verification service.
// The verified key id is stored on the request context so handlers can
// resolve the calling user. Without a verify endpoint the token is accepted
// as-is, which keeps local development keyless.
func (s *Server) bearerAuth() gin.HandlerFunc {
	hc := &http.Client{Timeout: 10 * time.Second}
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{
				Error:  "unauthorized",
				Detail: "missing bearer token",
			})
			return
		}

		if s.unkeyVerifyURL == "" {
			c.Next()
			return
		}

		keyID, err := s.verifyKey(c, hc, token)
		if err != nil {
			s.log.Warn("key verification failed", "error", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{
				Error:  "unauthorized",
				Detail: "key verification failed",
			})
			return
		}
		c.Set(ctxKeyUnkeyKeyID, keyID)
		c.Next()
	}
}

func (s *Server) verifyKey(c *gin.Context, hc *http.Client, token string) (string, error) {
	body, err := json.Marshal(unkeyVerifyRequest{Key: token, APIID: s.unkeyAPIID})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(c.Request.Context(), http.MethodPost, s.unkeyVerifyURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out unkeyVerifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if !out.Valid {
		return "", errInvalidKey{code: out.Code}
	}
	return out.KeyID, nil
}

type errInvalidKey struct{ code string }

func (e errInvalidKey) Error() string {
	if e.code == "" {
		return "api: key rejected"
	}
	return "api: key rejected: " + e.code
}

// unkeyKeyID returns the verified key id for the request, or "".
func unkeyKeyID(c *gin.Context) string {
	return c.GetString(ctxKeyUnkeyKeyID)
}

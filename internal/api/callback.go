package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sells-group/quote-engine/internal/model"
	"github.com/sells-group/quote-engine/internal/resilience"
)

const (
	callbackSecretHeader    = "X-Callback-Secret"
	callbackSignatureHeader = "X-Callback-Signature"
)

// Sign returns the hex HMAC-SHA256 of body under secret, as expected in the
// X-Callback-Signature header.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// verify checks the shared-secret header and the body signature. Both
// comparisons are constant time.
func (s *Server) verify(r *http.Request, body []byte) bool {
	if len(s.secret) == 0 {
		return false
	}
	if !hmac.Equal([]byte(r.Header.Get(callbackSecretHeader)), s.secret) {
		return false
	}
	sig := strings.TrimPrefix(r.Header.Get(callbackSignatureHeader), "sha256=")
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

func (s *Server) callback(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, r, resilience.NewInputError("body", err))
		return
	}
	if !s.verify(r, body) {
		s.log.Warn("callback rejected: bad signature",
			zap.String("task_id", taskID),
			zap.String("remote", r.RemoteAddr),
		)
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "invalid callback signature"})
		return
	}

	var offer model.QuoteOffer
	if err := json.Unmarshal(body, &offer); err != nil {
		s.writeError(w, r, resilience.NewInputError("body", err))
		return
	}
	job, err := s.deps.Engine.CompleteTask(r.Context(), taskID, offer)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

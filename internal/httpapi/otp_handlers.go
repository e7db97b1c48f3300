package httpapi

import (
	"net/http"
	"strings"
	"time"

	"harborbank.org/internal/auth"
	"harborbank.org/internal/otp"
	"harborbank.org/internal/transfer"
)

const levelReferenceMsg = "transfer codes are issued and verified per security level"

type issueOTPRequest struct {
	Identifier string `json:"identifier"`
	Purpose    string `json:"purpose"`
	Reference  string `json:"reference,omitempty"`
}

// issuedResponse never carries the code itself; it travels out of band only.
type issuedResponse struct {
	ID        string    `json:"id"`
	ExpiresAt time.Time `json:"expires_at"`
	ExpiresIn int       `json:"expires_in"`
}

func newIssuedResponse(is otp.Issued) issuedResponse {
	return issuedResponse{ID: is.ID, ExpiresAt: is.ExpiresAt, ExpiresIn: int(is.ExpiresIn.Seconds())}
}

type verifyOTPRequest struct {
	Identifier string `json:"identifier"`
	Purpose    string `json:"purpose"`
	Reference  string `json:"reference,omitempty"`
	Code       string `json:"code"`
}

// purposeFor parses the purpose and enforces that transaction codes are bound to an
// authenticated user.
func purposeFor(r *http.Request, raw string) (otp.Purpose, string, bool) {
	p, ok := otp.ParsePurpose(raw)
	if !ok {
		return "", "unknown purpose", false
	}
	_, authed := auth.UserIDFromContext(r.Context())
	if p == otp.PurposeTransaction && !authed {
		return "", "transaction codes require authentication", false
	}
	return p, "", true
}

func (a *API) handleIssueOTP(w http.ResponseWriter, r *http.Request) {
	var req issueOTPRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	purpose, msg, ok := purposeFor(r, req.Purpose)
	if !ok {
		writeError(w, r, http.StatusBadRequest, msg)
		return
	}
	if transfer.IsLevelReference(req.Reference) {
		writeError(w, r, http.StatusBadRequest, levelReferenceMsg)
		return
	}
	userID, _ := auth.UserIDFromContext(r.Context())

	issued, err := a.deps.OTP.Issue(r.Context(), otp.IssueRequest{
		UserID:     userID,
		Identifier: req.Identifier,
		Purpose:    purpose,
		Reference:  strings.TrimSpace(req.Reference),
	})
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newIssuedResponse(issued))
}

func (a *API) handleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req verifyOTPRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	purpose, msg, ok := purposeFor(r, req.Purpose)
	if !ok {
		writeError(w, r, http.StatusBadRequest, msg)
		return
	}
	// level codes must advance the transfer, so they never verify here
	if transfer.IsLevelReference(req.Reference) {
		writeError(w, r, http.StatusBadRequest, levelReferenceMsg)
		return
	}
	userID, _ := auth.UserIDFromContext(r.Context())

	err := a.deps.OTP.Verify(r.Context(), otp.VerifyRequest{
		UserID:     userID,
		Identifier: req.Identifier,
		Purpose:    purpose,
		Reference:  strings.TrimSpace(req.Reference),
		Code:       req.Code,
	})
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"verified": true})
}

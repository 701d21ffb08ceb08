package handlers

import (
	"net/http"
	"time"

	"github.com/undergrid/hell/internal/access"
	derrors "github.com/undergrid/hell/internal/foundation/errors"
)

// DefaultInvitationTTL bounds how long an unredeemed invitation stays valid.
const DefaultInvitationTTL = 24 * time.Hour

// AccessHandlers serves the unauthenticated credential endpoints.
type AccessHandlers struct {
	store   *access.Store
	adapter *derrors.HTTPErrorAdapter
}

// NewAccessHandlers builds the access handler set.
func NewAccessHandlers(store *access.Store, adapter *derrors.HTTPErrorAdapter) *AccessHandlers {
	return &AccessHandlers{store: store, adapter: adapter}
}

// CreateInvitation handles POST /api/create-invitation.
func (h *AccessHandlers) CreateInvitation(w http.ResponseWriter, r *http.Request) {
	inv, err := h.store.CreateInvitation(r.Context(), DefaultInvitationTTL)
	if err != nil {
		h.adapter.WriteErrorResponse(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"code":       inv.Code,
		"expires_at": inv.ExpiresAt,
	})
}

// GenerateAPIKey handles POST /api/generate-api-key.
func (h *AccessHandlers) GenerateAPIKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Invitation string `json:"invitation"`
	}
	if err := decodeJSON(r, &req); err != nil {
		h.adapter.WriteErrorResponse(w, err)
		return
	}
	key, err := h.store.RedeemInvitation(r.Context(), req.Invitation)
	if err != nil {
		h.adapter.WriteErrorResponse(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": key})
}

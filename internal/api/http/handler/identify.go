package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/mail"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/crosslink-io/identity-server/internal/logger"
	"github.com/crosslink-io/identity-server/internal/model"
)

// IdentityService resolves submissions into cluster views.
type IdentityService interface {
	Identify(ctx context.Context, email, phone *string) (model.ClusterView, error)
}

// Identify wires the /identify endpoint to the identity service.
type Identify struct {
	service IdentityService
	logger  *logger.Logger
}

// NewIdentify creates an Identify handler.
func NewIdentify(service IdentityService, logger *logger.Logger) *Identify {
	return &Identify{
		service: service,
		logger:  logger,
	}
}

// Register mounts the identify endpoint on the router.
func (h *Identify) Register(r chi.Router) {
	r.Post("/identify", h.HandleIdentify)
}

type identifyRequest struct {
	Email       *string     `json:"email"`
	PhoneNumber *flexString `json:"phoneNumber"`
}

type identifyResponse struct {
	Contact contactView `json:"contact"`
}

type contactView struct {
	PrimaryContactID    int64    `json:"primaryContactId"`
	Emails              []string `json:"emails"`
	PhoneNumbers        []string `json:"phoneNumbers"`
	SecondaryContactIDs []int64  `json:"secondaryContactIds"`
}

// flexString accepts both JSON strings and bare numbers; clients send
// phone numbers either way.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// HandleIdentify handles POST /identify requests.
func (h *Identify) HandleIdentify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req identifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	email, phone, errMsg := validateIdentifyInput(req)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	view, err := h.service.Identify(ctx, email, phone)
	if err != nil {
		h.logger.Error("identify failed", "error", err)
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, identifyResponse{
		Contact: contactView{
			PrimaryContactID:    view.PrimaryID,
			Emails:              view.Emails,
			PhoneNumbers:        view.Phones,
			SecondaryContactIDs: view.SecondaryIDs,
		},
	})
}

// validateIdentifyInput enforces the transport contract: at least one
// of email/phoneNumber, email must parse as an address, phoneNumber
// must be digits only. Blank fields count as absent.
func validateIdentifyInput(req identifyRequest) (email, phone *string, errMsg string) {
	if req.Email != nil {
		v := strings.TrimSpace(*req.Email)
		if v != "" {
			if _, err := mail.ParseAddress(v); err != nil {
				return nil, nil, "email must be a valid email address"
			}
			email = &v
		}
	}

	if req.PhoneNumber != nil {
		v := strings.TrimSpace(string(*req.PhoneNumber))
		if v != "" {
			if !isDigits(v) {
				return nil, nil, "phoneNumber must be a positive integer"
			}
			phone = &v
		}
	}

	if email == nil && phone == nil {
		return nil, nil, "either email or phoneNumber is required"
	}

	return email, phone, ""
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

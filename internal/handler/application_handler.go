package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/bacheca/internal/model"
)

// ApplicationServiceInterface は応募ハンドラーが必要とするサービスインターフェース。
type ApplicationServiceInterface interface {
	Submit(ctx context.Context, principal model.PrincipalView, listingID, description string) (*model.Application, error)
	ListMine(ctx context.Context, principal model.PrincipalView) ([]*model.Application, error)
	ListForListing(ctx context.Context, principal model.PrincipalView, listingID string) ([]*model.Application, error)
}

// ApplicationHandler は応募のHTTPハンドラー。
type ApplicationHandler struct {
	service ApplicationServiceInterface
}

// NewApplicationHandler はApplicationHandlerを生成する。
func NewApplicationHandler(service ApplicationServiceInterface) *ApplicationHandler {
	return &ApplicationHandler{service: service}
}

type submitApplicationRequest struct {
	ListingID   string `json:"listingId"`
	Description string `json:"description"`
}

type applicationResponse struct {
	ID             string    `json:"id"`
	ListingID      string    `json:"listingId"`
	PrincipalID    string    `json:"principalId"`
	CandidateEmail string    `json:"candidateEmail"`
	Description    string    `json:"description"`
	SubmittedAt    time.Time `json:"submittedAt"`
}

func toApplicationResponse(a *model.Application) applicationResponse {
	return applicationResponse{
		ID:             a.ID,
		ListingID:      a.ListingID,
		PrincipalID:    a.PrincipalID,
		CandidateEmail: a.CandidateEmail,
		Description:    a.Description,
		SubmittedAt:    a.SubmittedAt,
	}
}

func toApplicationResponses(as []*model.Application) []applicationResponse {
	out := make([]applicationResponse, len(as))
	for i, a := range as {
		out[i] = toApplicationResponse(a)
	}
	return out
}

// Submit は求人に応募する。同じ求人への2回目以降は409。
// POST /api/applications
func (h *ApplicationHandler) Submit(w http.ResponseWriter, r *http.Request) {
	rc, ok := requestContext(w, r)
	if !ok {
		return
	}

	var req submitApplicationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ListingID == "" {
		handleServiceError(w, r, model.NewInvalidRequestError("listingIdは必須です"))
		return
	}

	app, err := h.service.Submit(r.Context(), rc.Principal, req.ListingID, req.Description)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toApplicationResponse(app))
}

// ListMine は自分の応募一覧を返す。
// GET /api/applications/mine
func (h *ApplicationHandler) ListMine(w http.ResponseWriter, r *http.Request) {
	rc, ok := requestContext(w, r)
	if !ok {
		return
	}

	apps, err := h.service.ListMine(r.Context(), rc.Principal)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toApplicationResponses(apps))
}

// ListForListing は自社求人への応募一覧を返す。
// GET /api/listings/{id}/applications
func (h *ApplicationHandler) ListForListing(w http.ResponseWriter, r *http.Request) {
	rc, ok := requestContext(w, r)
	if !ok {
		return
	}

	apps, err := h.service.ListForListing(r.Context(), rc.Principal, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toApplicationResponses(apps))
}

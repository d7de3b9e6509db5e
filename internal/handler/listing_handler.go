package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/bacheca/internal/listing"
	"github.com/hitoshi/bacheca/internal/model"
)

// ListingServiceInterface は求人ハンドラーが必要とするサービスインターフェース。
type ListingServiceInterface interface {
	Create(ctx context.Context, principal model.PrincipalView, in listing.CreateInput) (*model.Listing, error)
	Get(ctx context.Context, id string) (*model.Listing, error)
	List(ctx context.Context) ([]*model.Listing, error)
	ListMine(ctx context.Context, principal model.PrincipalView) ([]*model.Listing, error)
	Delete(ctx context.Context, principal model.PrincipalView, id string) error
}

// ListingHandler は求人のHTTPハンドラー。
type ListingHandler struct {
	service ListingServiceInterface
}

// NewListingHandler はListingHandlerを生成する。
func NewListingHandler(service ListingServiceInterface) *ListingHandler {
	return &ListingHandler{service: service}
}

type createListingRequest struct {
	Title       string `json:"title"`
	CompanyName string `json:"companyName"`
	Description string `json:"description"`
	Location    string `json:"location"`
}

type listingResponse struct {
	ID          string    `json:"id"`
	CompanyID   string    `json:"companyId"`
	Title       string    `json:"title"`
	CompanyName string    `json:"companyName"`
	Description string    `json:"description"`
	Location    string    `json:"location"`
	PublishedAt time.Time `json:"publishedAt"`
}

func toListingResponse(l *model.Listing) listingResponse {
	return listingResponse{
		ID:          l.ID,
		CompanyID:   l.CompanyID,
		Title:       l.Title,
		CompanyName: l.CompanyName,
		Description: l.Description,
		Location:    l.Location,
		PublishedAt: l.PublishedAt,
	}
}

func toListingResponses(ls []*model.Listing) []listingResponse {
	out := make([]listingResponse, len(ls))
	for i, l := range ls {
		out[i] = toListingResponse(l)
	}
	return out
}

// List は公開中の求人一覧を返す。
// GET /api/listings
func (h *ListingHandler) List(w http.ResponseWriter, r *http.Request) {
	ls, err := h.service.List(r.Context())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toListingResponses(ls))
}

// Get は求人詳細を返す。
// GET /api/listings/{id}
func (h *ListingHandler) Get(w http.ResponseWriter, r *http.Request) {
	l, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toListingResponse(l))
}

// Create は求人を掲載する。
// POST /api/listings
func (h *ListingHandler) Create(w http.ResponseWriter, r *http.Request) {
	rc, ok := requestContext(w, r)
	if !ok {
		return
	}

	var req createListingRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	l, err := h.service.Create(r.Context(), rc.Principal, listing.CreateInput{
		Title:       req.Title,
		CompanyName: req.CompanyName,
		Description: req.Description,
		Location:    req.Location,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toListingResponse(l))
}

// ListMine は自社の求人一覧を返す。
// GET /api/listings/mine
func (h *ListingHandler) ListMine(w http.ResponseWriter, r *http.Request) {
	rc, ok := requestContext(w, r)
	if !ok {
		return
	}

	ls, err := h.service.ListMine(r.Context(), rc.Principal)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toListingResponses(ls))
}

// Delete は自社の求人を削除する。
// DELETE /api/listings/{id}
func (h *ListingHandler) Delete(w http.ResponseWriter, r *http.Request) {
	rc, ok := requestContext(w, r)
	if !ok {
		return
	}

	if err := h.service.Delete(r.Context(), rc.Principal, chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

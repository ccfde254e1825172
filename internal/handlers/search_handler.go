package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/marketfinder/internal/common"
	"github.com/ternarybob/marketfinder/internal/models"
)

// Scanner runs one marketplace search
type Scanner interface {
	RunScan(ctx context.Context, query models.SearchQuery) []models.Listing
}

// SearchRequest is the flat search form: query, filters and sort order
type SearchRequest struct {
	Query string `json:"query" validate:"max=200"`
	models.Filters
	SortBy string `json:"sort_by" validate:"omitempty,oneof=date_desc date_asc price_asc price_desc"`
}

// SearchResponse never carries an HTTP error status; failures set Error
type SearchResponse struct {
	Listings []models.Listing `json:"listings"`
	Total    int              `json:"total"`
	Query    string           `json:"query"`
	Error    string           `json:"error,omitempty"`
}

// SearchHandler serves interactive marketplace searches
type SearchHandler struct {
	scanner Scanner
	logger  arbor.ILogger
}

// NewSearchHandler creates a new search handler
func NewSearchHandler(scanner Scanner, logger arbor.ILogger) *SearchHandler {
	return &SearchHandler{
		scanner: scanner,
		logger:  logger,
	}
}

// SearchHandler handles POST /api/search.
// Always answers 200 with {listings, total, query}; an error field is added
// only when the request itself could not be served.
func (h *SearchHandler) SearchHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req SearchRequest
	resp := h.search(r, &req)
	WriteJSON(w, http.StatusOK, resp)
}

func (h *SearchHandler) search(r *http.Request, req *SearchRequest) (resp SearchResponse) {
	resp = SearchResponse{Listings: []models.Listing{}}

	defer func() {
		if perr := common.AsPanicError(recover()); perr != nil {
			h.logger.Error().
				Str("panic", fmt.Sprintf("%v", perr.Value)).
				Str("stack", perr.Stack).
				Msg("Recovered from panic in search handler")
			resp = SearchResponse{Listings: []models.Listing{}, Query: req.Query, Error: perr.Error()}
		}
	}()

	if err := DecodeJSON(r, req); err != nil {
		resp.Error = err.Error()
		return resp
	}
	req.Query = strings.TrimSpace(req.Query)
	resp.Query = req.Query

	if err := validateStruct(req); err != nil {
		resp.Error = err.Error()
		return resp
	}
	if err := req.Filters.Validate(); err != nil {
		resp.Error = err.Error()
		return resp
	}

	query := models.SearchQuery{Query: req.Query, Filters: req.Filters.WithDefaults()}
	listings := h.scanner.RunScan(r.Context(), query)
	if listings == nil {
		listings = []models.Listing{}
	}

	sortBy := req.SortBy
	if sortBy == "" {
		sortBy = models.SortDateDesc
	}
	models.SortListings(listings, sortBy)

	h.logger.Info().
		Str("query", req.Query).
		Int("total", len(listings)).
		Msg("Search completed")

	resp.Listings = listings
	resp.Total = len(listings)
	return resp
}

package audit

import (
	"context"
	"fmt"
)

// Repository provides read access to stored audit records.
type Repository interface {
	Window(ctx context.Context, filters Filters, limit, offset int) ([]Record, error)
}

// Page wraps one page of audit records with paging metadata.
type Page struct {
	Rows   []Record
	Paging PagingInfo
}

// Service coordinates audit queries for the compliance surface.
type Service struct {
	repo Repository
}

// NewService builds an audit query service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Query returns one page of audit records matching the filters. It fetches
// one row beyond the page size to decide whether a next page exists.
func (s *Service) Query(ctx context.Context, filters Filters) (Page, error) {
	if s.repo == nil {
		return Page{}, fmt.Errorf("audit: repository not configured")
	}
	pageSize := filters.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	page := filters.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * pageSize

	rows, err := s.repo.Window(ctx, filters, pageSize+1, offset)
	if err != nil {
		return Page{}, err
	}
	hasNext := len(rows) > pageSize
	if hasNext {
		rows = rows[:pageSize]
	}
	paging := PagingInfo{Page: page, PageSize: pageSize, HasNext: hasNext}
	if page > 1 {
		paging.PrevPage = page - 1
	}
	if hasNext {
		paging.NextPage = page + 1
	}
	return Page{Rows: rows, Paging: paging}, nil
}

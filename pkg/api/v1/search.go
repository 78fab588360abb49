// SPDX-FileCopyrightText: Copyright 2025 Darkroom Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/darkroomlabs/darkroom/pkg/errors"
	"github.com/darkroomlabs/darkroom/pkg/search"
)

// SearchRouter serves text search.
func SearchRouter(searcher *search.Service) http.Handler {
	routes := &searchRoutes{searcher: searcher}
	r := chi.NewRouter()
	r.Get("/", handle(routes.search))
	return r
}

type searchRoutes struct {
	searcher *search.Service
}

func (s *searchRoutes) search(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	opts := search.Options{
		PersonID:   q.Get("person_id"),
		MIMEPrefix: q.Get("mime"),
	}
	opts.Page, opts.PageSize = pageParams(q.Get("page"), q.Get("page_size"))

	// Name-based search stands on its own: the matched persons' assets,
	// unranked, rather than a vector query.
	if name := q.Get("person_name"); name != "" {
		assets, total, err := s.searcher.SearchPersonName(r.Context(), name, opts)
		if err != nil {
			return err
		}
		writeData(w, http.StatusOK, assetViews(assets),
			&Meta{Page: opts.Page, PageSize: opts.PageSize, Total: total})
		return nil
	}

	var err error
	if opts.TakenAfter, err = timeParam(q.Get("taken_after"), "taken_after"); err != nil {
		return err
	}
	if opts.TakenBefore, err = timeParam(q.Get("taken_before"), "taken_before"); err != nil {
		return err
	}

	hits, total, err := s.searcher.SearchText(r.Context(), q.Get("q"), opts)
	if err != nil {
		return err
	}
	writeData(w, http.StatusOK, scoredAssets(hits),
		&Meta{Page: opts.Page, PageSize: opts.PageSize, Total: total})
	return nil
}

// timeParam parses an optional RFC 3339 query value.
func timeParam(v, name string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, errors.NewValidationError(name+" must be RFC 3339", err)
	}
	return &t, nil
}

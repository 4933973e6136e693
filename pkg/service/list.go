package service

import (
	"context"
	"time"

	"github.com/bozonx/mediastore/pkg/models"
	"github.com/bozonx/mediastore/pkg/problems"
	"github.com/bozonx/mediastore/pkg/store/metadata"
)

// maxListLimit caps a single listing page.
const maxListLimit = 100

// ListResult is one page of file listings.
type ListResult struct {
	Items  []models.FileResponse `json:"items"`
	Total  int64                 `json:"total"`
	Limit  int                   `json:"limit"`
	Offset int                   `json:"offset"`
}

// List returns live files matching the filter, paginated.
func (s *Service) List(ctx context.Context, filter metadata.ListFilter) (*ListResult, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	files, total, err := s.db.ListFiles(ctx, filter)
	if err != nil {
		return nil, err
	}

	items := make([]models.FileResponse, 0, len(files))
	for _, f := range files {
		items = append(items, f.ToResponse())
	}
	return &ListResult{
		Items:  items,
		Total:  total,
		Limit:  filter.Limit,
		Offset: filter.Offset,
	}, nil
}

// Get returns a single live file's metadata.
func (s *Service) Get(ctx context.Context, id string) (*models.File, error) {
	file, err := s.db.GetFile(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case file.Status == models.StatusDeleted:
		return nil, models.ErrFileGone
	case file.SoftDeleted():
		return nil, models.ErrFileNotFound
	}
	return file, nil
}

// ProblemFile is a record together with its invariant findings.
type ProblemFile struct {
	File     models.FileResponse `json:"file"`
	Problems []problems.Problem  `json:"problems"`
}

// ListProblems inspects candidate records against the structural
// invariants and reports findings for operators. Gauges per problem
// code are refreshed as a side effect.
func (s *Service) ListProblems(ctx context.Context, limit int) ([]ProblemFile, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}

	candidates, err := s.db.FindProblemCandidates(ctx, limit)
	if err != nil {
		return nil, err
	}

	detector := problems.New(problems.Config{
		StuckUploadTimeout:       s.config.Cleanup.StuckUploadTimeout,
		StuckDeleteTimeout:       s.config.Cleanup.StuckDeleteTimeout,
		StuckOptimizationTimeout: s.config.Cleanup.StuckOptimizationTimeout,
	})

	now := time.Now()
	found := make([]ProblemFile, 0)
	counts := map[string]int{}
	for _, file := range candidates {
		issues := detector.Inspect(file, now)
		if len(issues) == 0 {
			continue
		}
		for _, p := range issues {
			counts[p.Code]++
		}
		found = append(found, ProblemFile{File: file.ToResponse(), Problems: issues})
	}

	for code, n := range counts {
		s.metrics.SetProblems(code, n)
	}
	return found, nil
}

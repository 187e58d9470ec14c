package services

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/yoockh/coachloop/internal/cache"
	"github.com/yoockh/coachloop/internal/models"
	pgrepo "github.com/yoockh/coachloop/internal/repositories/postgres"
	"github.com/yoockh/coachloop/internal/utils"
)

// ContextService assembles the child background handed to the analysis step.
type ContextService interface {
	Load(ctx context.Context, childID string) (models.AnalysisContext, error)
	Invalidate(ctx context.Context, childID string) error
}

type contextService struct {
	children pgrepo.ChildRepository
	sessions pgrepo.SessionRepository
	cache    cache.Cache
	recent   int
	ttl      time.Duration
	now      func() time.Time
}

func NewContextService(children pgrepo.ChildRepository, sessions pgrepo.SessionRepository, c cache.Cache, recent int, ttl time.Duration) ContextService {
	if recent <= 0 {
		recent = 5
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &contextService{children: children, sessions: sessions, cache: c, recent: recent, ttl: ttl, now: time.Now}
}

func (s *contextService) Load(ctx context.Context, childID string) (models.AnalysisContext, error) {
	const op = "ContextService.Load"

	var out models.AnalysisContext
	if childID == "" {
		return out, nil
	}

	key := cache.ChildContextKey(childID)
	if s.cache != nil {
		if hit, err := s.cache.GetJSON(ctx, key, &out); err == nil && hit {
			return out, nil
		}
	}

	child, err := s.children.GetByID(ctx, childID)
	if err != nil {
		if errors.Is(err, utils.ErrNotFound) {
			return out, utils.E(utils.CodeNotFound, op, "child not found", err)
		}
		return out, utils.E(utils.CodeInternal, op, "failed to load child", err)
	}
	out.ChildName = child.FullName
	out.ChildAge = child.AgeAt(s.now())
	out.Goals = child.Goals
	out.Interests = child.Interests

	recent, err := s.sessions.RecentCompleted(ctx, childID, s.recent)
	if err != nil {
		return out, utils.E(utils.CodeInternal, op, "failed to load recent sessions", err)
	}
	for _, r := range recent {
		var a models.AnalysisResult
		if len(r.Analysis) == 0 || json.Unmarshal(r.Analysis, &a) != nil || a.SessionSummary == "" {
			continue
		}
		out.RecentSummaries = append(out.RecentSummaries, a.SessionSummary)
	}

	if s.cache != nil {
		_ = s.cache.SetJSON(ctx, key, out, s.ttl)
	}
	return out, nil
}

func (s *contextService) Invalidate(ctx context.Context, childID string) error {
	if s.cache == nil || childID == "" {
		return nil
	}
	return s.cache.Del(ctx, cache.ChildContextKey(childID))
}

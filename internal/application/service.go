// Package application は求人への応募を扱う。
// 同一主体・同一求人への重複応募はストレージの一意制約で排除する。
package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/hitoshi/bacheca/internal/metrics"
	"github.com/hitoshi/bacheca/internal/model"
	"github.com/hitoshi/bacheca/internal/repository"
	"github.com/hitoshi/bacheca/internal/security"
)

// MaxDescriptionRunes は応募本文の最大文字数。
const MaxDescriptionRunes = 5000

// ListingOwnership は企業主体が所有する求人を解決する。listing.Serviceが実装する。
type ListingOwnership interface {
	GetOwned(ctx context.Context, principal model.PrincipalView, id string) (*model.Listing, error)
}

// Service は応募の送信と一覧を提供する。
type Service struct {
	applications repository.ApplicationRepository
	listings     ListingOwnership
	sanitizer    security.TextSanitizer
	metrics      metrics.MetricsCollector
	now          func() time.Time
}

// NewService はServiceを生成する。collectorがnilの場合はメトリクスを記録しない。
func NewService(
	applications repository.ApplicationRepository,
	listings ListingOwnership,
	sanitizer security.TextSanitizer,
	collector metrics.MetricsCollector,
) *Service {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Service{
		applications: applications,
		listings:     listings,
		sanitizer:    sanitizer,
		metrics:      collector,
		now:          time.Now,
	}
}

// Submit は主体から求人への応募を1件作成する。
// 求人の存在確認と重複判定はいずれも挿入時の制約違反で行い、事前の存在チェックはしない。
func (s *Service) Submit(ctx context.Context, principal model.PrincipalView, listingID, description string) (*model.Application, error) {
	text := s.sanitizer.Sanitize(description)
	if text == "" {
		return nil, model.NewValidationError("descriptionは必須です")
	}
	if utf8.RuneCountInString(text) > MaxDescriptionRunes {
		return nil, model.NewValidationError(fmt.Sprintf("descriptionは%d文字以内で入力してください", MaxDescriptionRunes))
	}

	if _, err := uuid.Parse(listingID); err != nil {
		return nil, model.NewListingNotFoundError(listingID)
	}

	app := &model.Application{
		ID:             uuid.New().String(),
		ListingID:      listingID,
		PrincipalID:    principal.ID,
		CandidateEmail: principal.Email,
		Description:    text,
		SubmittedAt:    s.now().UTC(),
	}

	err := s.applications.Create(ctx, app)
	switch {
	case err == nil:
	case errors.Is(err, repository.ErrDuplicate):
		s.metrics.RecordDuplicateApplication()
		slog.Info("duplicate application rejected",
			slog.String("principal_id", principal.ID),
			slog.String("listing_id", listingID),
		)
		return nil, model.NewDuplicateApplicationError()
	case errors.Is(err, repository.ErrReferenceMissing):
		return nil, model.NewListingNotFoundError(listingID)
	default:
		return nil, fmt.Errorf("応募の作成に失敗しました: %w", err)
	}

	s.metrics.RecordApplicationSubmitted()
	slog.Info("application submitted",
		slog.String("application_id", app.ID),
		slog.String("principal_id", principal.ID),
		slog.String("listing_id", listingID),
	)
	return app, nil
}

// ListMine は主体自身の応募を新しい順に返す。
func (s *Service) ListMine(ctx context.Context, principal model.PrincipalView) ([]*model.Application, error) {
	apps, err := s.applications.ListByPrincipal(ctx, principal.ID)
	if err != nil {
		return nil, fmt.Errorf("応募一覧の取得に失敗しました: %w", err)
	}
	return apps, nil
}

// ListForListing は企業主体が所有する求人への応募を返す。
// 他社の求人は存在しないものとしてLISTING_NOT_FOUNDを返す。
func (s *Service) ListForListing(ctx context.Context, principal model.PrincipalView, listingID string) ([]*model.Application, error) {
	if _, err := s.listings.GetOwned(ctx, principal, listingID); err != nil {
		return nil, err
	}

	apps, err := s.applications.ListByListing(ctx, listingID)
	if err != nil {
		return nil, fmt.Errorf("求人への応募一覧の取得に失敗しました: %w", err)
	}
	return apps, nil
}

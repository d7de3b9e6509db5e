// Package listing は求人掲載のドメインロジックを提供する。
package listing

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/hitoshi/bacheca/internal/model"
	"github.com/hitoshi/bacheca/internal/repository"
	"github.com/hitoshi/bacheca/internal/security"
)

const (
	// MaxTitleRunes は求人タイトルの最大文字数。
	MaxTitleRunes = 200
	// MaxCompanyNameRunes は企業名の最大文字数。
	MaxCompanyNameRunes = 200
	// MaxLocationRunes は勤務地の最大文字数。
	MaxLocationRunes = 200
	// MaxDescriptionRunes は求人本文の最大文字数。
	MaxDescriptionRunes = 5000
	// DefaultListLimit は公開一覧の最大件数。
	DefaultListLimit = 100
)

// CreateInput は求人作成の入力。
type CreateInput struct {
	Title       string
	CompanyName string
	Description string
	Location    string
}

// Service は求人の作成、閲覧、削除を提供する。
type Service struct {
	listings  repository.ListingRepository
	sanitizer security.TextSanitizer
	now       func() time.Time
}

// NewService はServiceを生成する。
func NewService(listings repository.ListingRepository, sanitizer security.TextSanitizer) *Service {
	return &Service{
		listings:  listings,
		sanitizer: sanitizer,
		now:       time.Now,
	}
}

// Create は企業主体の求人を作成する。
func (s *Service) Create(ctx context.Context, principal model.PrincipalView, in CreateInput) (*model.Listing, error) {
	l := &model.Listing{
		ID:          uuid.New().String(),
		CompanyID:   principal.ID,
		Title:       s.sanitizer.Sanitize(in.Title),
		CompanyName: s.sanitizer.Sanitize(in.CompanyName),
		Description: s.sanitizer.Sanitize(in.Description),
		Location:    s.sanitizer.Sanitize(in.Location),
		PublishedAt: s.now().UTC(),
	}

	if err := validate(l); err != nil {
		return nil, err
	}

	if err := s.listings.Create(ctx, l); err != nil {
		return nil, fmt.Errorf("求人の作成に失敗しました: %w", err)
	}

	slog.Info("listing created",
		slog.String("listing_id", l.ID),
		slog.String("company_id", l.CompanyID),
	)
	return l, nil
}

func validate(l *model.Listing) error {
	fields := []struct {
		name     string
		value    string
		max      int
		required bool
	}{
		{"title", l.Title, MaxTitleRunes, true},
		{"companyName", l.CompanyName, MaxCompanyNameRunes, true},
		{"description", l.Description, MaxDescriptionRunes, true},
		{"location", l.Location, MaxLocationRunes, false},
	}
	for _, f := range fields {
		if f.required && f.value == "" {
			return model.NewValidationError(fmt.Sprintf("%sは必須です", f.name))
		}
		if utf8.RuneCountInString(f.value) > f.max {
			return model.NewValidationError(fmt.Sprintf("%sは%d文字以内で入力してください", f.name, f.max))
		}
	}
	return nil
}

// Get は求人を取得する。IDが不正または存在しない場合はLISTING_NOT_FOUND。
func (s *Service) Get(ctx context.Context, id string) (*model.Listing, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, model.NewListingNotFoundError(id)
	}

	l, err := s.listings.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("求人の取得に失敗しました: %w", err)
	}
	if l == nil {
		return nil, model.NewListingNotFoundError(id)
	}
	return l, nil
}

// List は公開中の求人を新しい順に返す。
func (s *Service) List(ctx context.Context) ([]*model.Listing, error) {
	listings, err := s.listings.List(ctx, DefaultListLimit)
	if err != nil {
		return nil, fmt.Errorf("求人一覧の取得に失敗しました: %w", err)
	}
	return listings, nil
}

// ListMine は企業主体が掲載した求人を返す。
func (s *Service) ListMine(ctx context.Context, principal model.PrincipalView) ([]*model.Listing, error) {
	listings, err := s.listings.ListByCompany(ctx, principal.ID)
	if err != nil {
		return nil, fmt.Errorf("自社求人の取得に失敗しました: %w", err)
	}
	return listings, nil
}

// GetOwned は企業主体が所有する求人を返す。他社の求人は存在しないものとして扱う。
func (s *Service) GetOwned(ctx context.Context, principal model.PrincipalView, id string) (*model.Listing, error) {
	l, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if l.CompanyID != principal.ID {
		return nil, model.NewListingNotFoundError(id)
	}
	return l, nil
}

// Delete は企業主体が所有する求人を削除する。応募も連鎖して削除される。
func (s *Service) Delete(ctx context.Context, principal model.PrincipalView, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return model.NewListingNotFoundError(id)
	}

	deleted, err := s.listings.Delete(ctx, id, principal.ID)
	if err != nil {
		return fmt.Errorf("求人の削除に失敗しました: %w", err)
	}
	if !deleted {
		return model.NewListingNotFoundError(id)
	}

	slog.Info("listing deleted",
		slog.String("listing_id", id),
		slog.String("company_id", principal.ID),
	)
	return nil
}

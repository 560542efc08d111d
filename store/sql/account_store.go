package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-billing/core"
	repository "github.com/goliatone/go-repository-bun"
)

type AccountStore struct {
	repo repository.Repository[*accountRecord]
	Now  func() time.Time
}

func NewAccountStore(repo repository.Repository[*accountRecord]) (*AccountStore, error) {
	if repo == nil {
		return nil, fmt.Errorf("sqlstore: account repository is required")
	}
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid account repository wiring: %w", err)
		}
	}
	return &AccountStore{repo: repo}, nil
}

// Upsert creates the account or replaces its webhook and wallet settings.
func (s *AccountStore) Upsert(ctx context.Context, account core.Account) (core.Account, error) {
	if s == nil || s.repo == nil {
		return core.Account{}, fmt.Errorf("sqlstore: account store is not configured")
	}
	account.ID = strings.TrimSpace(account.ID)
	if account.ID == "" {
		return core.Account{}, fmt.Errorf("sqlstore: account id is required")
	}
	now := s.now()
	existing, err := s.find(ctx, account.ID)
	if err != nil {
		return core.Account{}, err
	}
	if existing == nil {
		created, err := s.repo.Create(ctx, &accountRecord{
			ID:            account.ID,
			Name:          strings.TrimSpace(account.Name),
			WebhookURL:    strings.TrimSpace(account.WebhookURL),
			WebhookSecret: strings.TrimSpace(account.WebhookSecret),
			WalletRef:     strings.TrimSpace(account.WalletRef),
			CreatedAt:     now,
			UpdatedAt:     now,
		})
		if err != nil {
			return core.Account{}, err
		}
		return created.toDomain(), nil
	}

	existing.Name = strings.TrimSpace(account.Name)
	existing.WebhookURL = strings.TrimSpace(account.WebhookURL)
	existing.WebhookSecret = strings.TrimSpace(account.WebhookSecret)
	existing.WalletRef = strings.TrimSpace(account.WalletRef)
	existing.UpdatedAt = now
	updated, err := s.repo.Update(ctx, existing, repository.UpdateByID(existing.ID))
	if err != nil {
		return core.Account{}, err
	}
	return updated.toDomain(), nil
}

func (s *AccountStore) GetAccount(ctx context.Context, accountID string) (core.Account, error) {
	if s == nil || s.repo == nil {
		return core.Account{}, fmt.Errorf("sqlstore: account store is not configured")
	}
	record, err := s.find(ctx, accountID)
	if err != nil {
		return core.Account{}, err
	}
	if record == nil {
		return core.Account{}, fmt.Errorf("%w: %q", core.ErrAccountNotFound, strings.TrimSpace(accountID))
	}
	return record.toDomain(), nil
}

func (s *AccountStore) find(ctx context.Context, accountID string) (*accountRecord, error) {
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("id", "=", strings.TrimSpace(accountID)),
		repository.SelectPaginate(1, 0),
	)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return records[0], nil
}

func (s *AccountStore) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

var _ core.AccountDirectory = (*AccountStore)(nil)

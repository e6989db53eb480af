package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/loyalty/internal/facts"
	"github.com/roach88/loyalty/internal/ir"
)

var _ facts.ProfileStore = (*Store)(nil)

// GetConsumerProfile implements facts.ProfileStore.
// Returns facts.ErrProfileNotFound for unknown consumers.
func (s *Store) GetConsumerProfile(ctx context.Context, consumerID string) (ir.Profile, error) {
	var (
		p                                      ir.Profile
		birth, registered, first, lastPurchase string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT consumer_id, market, tier, birth_date, registration_date,
		       first_purchase_date, last_purchase_date, purchase_count, recycling_count_this_year
		FROM profiles
		WHERE consumer_id = ?
	`, consumerID).Scan(
		&p.ConsumerID, &p.Market, &p.Tier, &birth, &registered,
		&first, &lastPurchase, &p.PurchaseCount, &p.RecyclingCountThisYear,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Profile{}, fmt.Errorf("%w: %s", facts.ErrProfileNotFound, consumerID)
	}
	if err != nil {
		return ir.Profile{}, fmt.Errorf("get profile: %w", err)
	}

	if p.BirthDate, err = parseTime(birth); err != nil {
		return ir.Profile{}, fmt.Errorf("get profile %s: %w", consumerID, err)
	}
	if p.RegistrationDate, err = parseTime(registered); err != nil {
		return ir.Profile{}, fmt.Errorf("get profile %s: %w", consumerID, err)
	}
	if p.FirstPurchaseDate, err = parseTime(first); err != nil {
		return ir.Profile{}, fmt.Errorf("get profile %s: %w", consumerID, err)
	}
	if p.LastPurchaseDate, err = parseTime(lastPurchase); err != nil {
		return ir.Profile{}, fmt.Errorf("get profile %s: %w", consumerID, err)
	}
	return p, nil
}

// PutProfile inserts or replaces a consumer profile.
func (s *Store) PutProfile(ctx context.Context, p ir.Profile) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles
		(consumer_id, market, tier, birth_date, registration_date,
		 first_purchase_date, last_purchase_date, purchase_count, recycling_count_this_year)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(consumer_id) DO UPDATE SET
			market = excluded.market,
			tier = excluded.tier,
			birth_date = excluded.birth_date,
			registration_date = excluded.registration_date,
			first_purchase_date = excluded.first_purchase_date,
			last_purchase_date = excluded.last_purchase_date,
			purchase_count = excluded.purchase_count,
			recycling_count_this_year = excluded.recycling_count_this_year
	`,
		p.ConsumerID, p.Market, p.Tier,
		formatTime(p.BirthDate), formatTime(p.RegistrationDate),
		formatTime(p.FirstPurchaseDate), formatTime(p.LastPurchaseDate),
		p.PurchaseCount, p.RecyclingCountThisYear,
	)
	if err != nil {
		return fmt.Errorf("put profile: %w", err)
	}
	return nil
}

package facts

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/loyalty/internal/ir"
)

func purchaseEvent() ir.Event {
	return ir.Event{
		ID:         "evt-1",
		Type:       ir.EventPurchase,
		Timestamp:  time.Date(2024, 6, 30, 16, 30, 0, 0, time.UTC), // Sunday 00:30 in Hong Kong
		Market:     "HK",
		Channel:    "store",
		ConsumerID: "c-1",
		Context:    ir.IRObject{"amount": ir.IRInt(1200), "sku": ir.IRString("A-1")},
		Attributes: ir.IRObject{"campaign": ir.IRString("summer")},
	}
}

func TestResolveEventFacts(t *testing.T) {
	r := NewResolver(purchaseEvent(), DefaultRegistry(), nil)
	ctx := context.Background()

	tests := []struct {
		fact string
		want ir.IRValue
	}{
		{"eventType", ir.IRString("PURCHASE")},
		{"market", ir.IRString("HK")},
		{"channel", ir.IRString("store")},
		{"amount", ir.IRFloat(1200)},
		{"context.sku", ir.IRString("A-1")},
		{"attributes.campaign", ir.IRString("summer")},
		{"eventMonth", ir.IRInt(6)},
		{"eventWeekday", ir.IRInt(time.Sunday)},
		{"isWeekend", ir.IRBool(true)},
	}
	for _, tt := range tests {
		t.Run(tt.fact, func(t *testing.T) {
			got, err := r.Resolve(ctx, tt.fact)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDateFactsUseMarketTimezone(t *testing.T) {
	hk, err := time.LoadLocation("Asia/Hong_Kong")
	require.NoError(t, err)

	utc := NewResolver(purchaseEvent(), DefaultRegistry(), nil)
	local := NewResolver(purchaseEvent(), DefaultRegistry(), nil, WithLocation(hk))
	ctx := context.Background()

	m, err := utc.Resolve(ctx, "eventMonth")
	require.NoError(t, err)
	assert.Equal(t, ir.IRInt(6), m)

	m, err = local.Resolve(ctx, "eventMonth")
	require.NoError(t, err)
	assert.Equal(t, ir.IRInt(7), m, "16:30 UTC on June 30 is July 1 in Hong Kong")

	d, err := local.Resolve(ctx, "eventDate")
	require.NoError(t, err)
	assert.Equal(t, ir.IRString("2024-07-01"), d)
}

func TestResolveUnknownFactIsMissing(t *testing.T) {
	r := NewResolver(purchaseEvent(), DefaultRegistry(), nil)

	_, err := r.Resolve(context.Background(), "lifetimeValue")
	require.Error(t, err)
	assert.True(t, IsMissingFact(err))

	var mf *MissingFactError
	require.ErrorAs(t, err, &mf)
	assert.Equal(t, "lifetimeValue", mf.Name)

	_, err = r.Resolve(context.Background(), "context.nope")
	assert.True(t, IsMissingFact(err))

	_, err = r.Resolve(context.Background(), "requestedPoints")
	assert.True(t, IsMissingFact(err))
}

func TestProfileFetchedOncePerRun(t *testing.T) {
	store := NewMemoryProfileStore(ir.Profile{
		ConsumerID:       "c-1",
		Tier:             "gold",
		PurchaseCount:    0,
		BirthDate:        time.Date(1990, 6, 2, 0, 0, 0, 0, time.UTC),
		RegistrationDate: time.Date(2024, 6, 20, 16, 30, 0, 0, time.UTC),
	})
	r := NewResolver(purchaseEvent(), DefaultRegistry(), store)
	ctx := context.Background()

	for _, fact := range []string{"tier", "purchaseCount", "isFirstPurchase", "tenureDays", "isBirthMonth", "tier"} {
		_, err := r.Resolve(ctx, fact)
		require.NoError(t, err, fact)
	}

	assert.Equal(t, 1, store.Calls())
	assert.Equal(t, 1, r.ProfileFetches())

	tenure, _ := r.Resolve(ctx, "tenureDays")
	assert.Equal(t, ir.IRInt(10), tenure)
	first, _ := r.Resolve(ctx, "isFirstPurchase")
	assert.Equal(t, ir.IRBool(true), first)
}

func TestMemoizationIsPerRun(t *testing.T) {
	store := NewMemoryProfileStore(ir.Profile{ConsumerID: "c-1", Tier: "gold"})
	ctx := context.Background()

	r1 := NewResolver(purchaseEvent(), DefaultRegistry(), store)
	_, err := r1.Resolve(ctx, "tier")
	require.NoError(t, err)

	store.Put(ir.Profile{ConsumerID: "c-1", Tier: "platinum"})

	r2 := NewResolver(purchaseEvent(), DefaultRegistry(), store)
	got, err := r2.Resolve(ctx, "tier")
	require.NoError(t, err)
	assert.Equal(t, ir.IRString("platinum"), got)
	assert.Equal(t, 2, store.Calls())
}

func TestProfileMissingIsSoft(t *testing.T) {
	r := NewResolver(purchaseEvent(), DefaultRegistry(), NewMemoryProfileStore())

	_, err := r.Resolve(context.Background(), "tier")
	assert.True(t, IsMissingFact(err))
}

type failingProfiles struct{}

func (failingProfiles) GetConsumerProfile(context.Context, string) (ir.Profile, error) {
	return ir.Profile{}, errors.New("connection refused")
}

func TestProfileStoreFailurePropagates(t *testing.T) {
	r := NewResolver(purchaseEvent(), DefaultRegistry(), failingProfiles{})

	_, err := r.Resolve(context.Background(), "tier")
	require.Error(t, err)
	assert.False(t, IsMissingFact(err))
	assert.Contains(t, err.Error(), "connection refused")
}

func TestWithProfileSkipsStore(t *testing.T) {
	store := NewMemoryProfileStore()
	r := NewResolver(purchaseEvent(), DefaultRegistry(), store, WithProfile(ir.Profile{ConsumerID: "c-1", Tier: "silver"}))

	got, err := r.Resolve(context.Background(), "tier")
	require.NoError(t, err)
	assert.Equal(t, ir.IRString("silver"), got)
	assert.Equal(t, 0, store.Calls())
}

func TestWithProfileErrorMakesProfileFactsMissing(t *testing.T) {
	r := NewResolver(purchaseEvent(), DefaultRegistry(), nil, WithProfileError(ErrProfileNotFound))
	_, err := r.Resolve(context.Background(), "purchaseCount")
	assert.True(t, IsMissingFact(err))
}

func TestCustomRegistration(t *testing.T) {
	reg := DefaultRegistry()
	calls := 0
	reg.Register("bigSpender", func(ctx context.Context, r *Resolver) (ir.IRValue, error) {
		calls++
		amt, err := r.Resolve(ctx, "amount")
		if err != nil {
			return nil, err
		}
		n, _ := ir.AsNumber(amt)
		return ir.IRBool(n >= 1000), nil
	})

	r := NewResolver(purchaseEvent(), reg, nil)
	for i := 0; i < 3; i++ {
		v, err := r.Resolve(context.Background(), "bigSpender")
		require.NoError(t, err)
		assert.Equal(t, ir.IRBool(true), v)
	}
	assert.Equal(t, 1, calls)
	assert.True(t, reg.Has("bigSpender"))
	assert.Contains(t, reg.Names(), "tenureDays")
}

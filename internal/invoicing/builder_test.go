package invoicing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mofresh/mofresh-erp/internal/shared"
)

var builderNow = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func approvedOrder() *OrderInfo {
	return &OrderInfo{
		ID:       1,
		Status:   OrderStatusApproved,
		ClientID: 7,
		SiteID:   3,
		SiteName: "MoFresh Kigali",
		Items: []OrderLine{
			{ProductName: "Milk", Quantity: dec("10"), Unit: "kg", UnitPrice: dec("1000")},
			{ProductName: "Cheese", Quantity: dec("2"), Unit: "kg", UnitPrice: dec("5000")},
		},
	}
}

func coldBoxRental(fee string, days int) *RentalInfo {
	return &RentalInfo{
		ID:           11,
		Status:       RentalStatusApproved,
		ClientID:     7,
		SiteID:       3,
		SiteName:     "MoFresh Kigali",
		ColdBox:      &AssetRef{ID: 4, Identifier: "CB-001"},
		StartDate:    builderNow,
		EndDate:      builderNow.AddDate(0, 0, days),
		EstimatedFee: dec(fee),
	}
}

func TestBuildOrderDraftTotals(t *testing.T) {
	draft, err := BuildOrderDraft(approvedOrder(), DefaultPolicy(), nil, builderNow)
	require.NoError(t, err)

	require.Len(t, draft.Items, 2)
	requireAmount(t, "10000", draft.Items[0].Subtotal)
	requireAmount(t, "10000", draft.Items[1].Subtotal)
	require.Equal(t, "Milk", draft.Items[0].Description)
	require.Equal(t, "kg", draft.Items[0].Unit)

	requireAmount(t, "20000", draft.Subtotal)
	requireAmount(t, "3600", draft.TaxAmount)
	requireAmount(t, "23600", draft.Total)
	require.True(t, draft.Total.Equal(draft.Subtotal.Add(draft.TaxAmount)))
	require.Equal(t, builderNow.AddDate(0, 0, 7), draft.DueDate)
	require.Equal(t, SourceRef{Type: SourceOrder, ID: 1}, draft.Source)
}

func TestBuildOrderDraftUsesSuppliedDueDate(t *testing.T) {
	due := builderNow.AddDate(0, 1, 0)
	draft, err := BuildOrderDraft(approvedOrder(), DefaultPolicy(), &due, builderNow)
	require.NoError(t, err)
	require.Equal(t, due, draft.DueDate)
}

func TestBuildOrderDraftRejects(t *testing.T) {
	pending := approvedOrder()
	pending.Status = "PENDING"
	_, err := BuildOrderDraft(pending, DefaultPolicy(), nil, builderNow)
	requireKind(t, err, shared.KindInvalidStatus)

	empty := approvedOrder()
	empty.Items = nil
	_, err = BuildOrderDraft(empty, DefaultPolicy(), nil, builderNow)
	requireKind(t, err, shared.KindNoItems)

	// Status is checked before items.
	emptyPending := approvedOrder()
	emptyPending.Status = "REJECTED"
	emptyPending.Items = nil
	_, err = BuildOrderDraft(emptyPending, DefaultPolicy(), nil, builderNow)
	requireKind(t, err, shared.KindInvalidStatus)

	_, err = BuildOrderDraft(nil, DefaultPolicy(), nil, builderNow)
	requireKind(t, err, shared.KindNotFound)
}

func TestBuildRentalDraftWeek(t *testing.T) {
	draft, err := BuildRentalDraft(coldBoxRental("70000", 7), DefaultPolicy(), nil, builderNow)
	require.NoError(t, err)

	require.Len(t, draft.Items, 1)
	item := draft.Items[0]
	require.Equal(t, "Cold Box Rental - CB-001", item.Description)
	require.True(t, item.Quantity.Equal(dec("7")))
	require.Equal(t, "days", item.Unit)
	requireAmount(t, "10000", item.UnitPrice)
	requireAmount(t, "70000", item.Subtotal)
	requireAmount(t, "70000", draft.Subtotal)
	requireAmount(t, "12600", draft.TaxAmount)
	requireAmount(t, "82600", draft.Total)
}

func TestBuildRentalDraftSubtotalIsFee(t *testing.T) {
	draft, err := BuildRentalDraft(coldBoxRental("100000", 3), DefaultPolicy(), nil, builderNow)
	require.NoError(t, err)

	item := draft.Items[0]
	requireAmount(t, "33333.33", item.UnitPrice)
	requireAmount(t, "100000", item.Subtotal)
	require.False(t, item.Quantity.Mul(item.UnitPrice).Equal(item.Subtotal))
	requireAmount(t, "18000", draft.TaxAmount)
}

func TestBuildRentalDraftPrefersActualFee(t *testing.T) {
	rental := coldBoxRental("70000", 7)
	actual := dec("56000")
	rental.ActualFee = &actual
	rental.Status = RentalStatusActive

	draft, err := BuildRentalDraft(rental, DefaultPolicy(), nil, builderNow)
	require.NoError(t, err)
	requireAmount(t, "56000", draft.Subtotal)
	requireAmount(t, "8000", draft.Items[0].UnitPrice)
}

func TestBuildRentalDraftAssets(t *testing.T) {
	plate := coldBoxRental("5000", 1)
	plate.ColdBox = nil
	plate.ColdPlate = &AssetRef{ID: 2, Identifier: "CP-9"}
	draft, err := BuildRentalDraft(plate, DefaultPolicy(), nil, builderNow)
	require.NoError(t, err)
	require.Equal(t, "Cold Plate Rental - CP-9", draft.Items[0].Description)

	trike := coldBoxRental("5000", 1)
	trike.ColdBox = nil
	trike.Tricycle = &AssetRef{ID: 5, Identifier: "RAB 123 C"}
	draft, err = BuildRentalDraft(trike, DefaultPolicy(), nil, builderNow)
	require.NoError(t, err)
	require.Equal(t, "Tricycle Rental - RAB 123 C", draft.Items[0].Description)

	none := coldBoxRental("5000", 1)
	none.ColdBox = nil
	_, err = BuildRentalDraft(none, DefaultPolicy(), nil, builderNow)
	requireKind(t, err, shared.KindNoItems)

	both := coldBoxRental("5000", 1)
	both.Tricycle = &AssetRef{ID: 5, Identifier: "RAB 123 C"}
	_, err = BuildRentalDraft(both, DefaultPolicy(), nil, builderNow)
	requireKind(t, err, shared.KindNoItems)
}

func TestBuildRentalDraftRejectsStatus(t *testing.T) {
	for _, status := range []string{"REQUESTED", "COMPLETED", "CANCELLED"} {
		rental := coldBoxRental("5000", 2)
		rental.Status = status
		_, err := BuildRentalDraft(rental, DefaultPolicy(), nil, builderNow)
		requireKind(t, err, shared.KindInvalidStatus)
	}
}

func TestBuildDraftRejectsZeroTotal(t *testing.T) {
	for _, fee := range []string{"0", "-10"} {
		_, err := BuildRentalDraft(coldBoxRental(fee, 3), DefaultPolicy(), nil, builderNow)
		requireKind(t, err, shared.KindValidation)
	}

	actual := dec("0")
	rental := coldBoxRental("5000", 3)
	rental.ActualFee = &actual
	_, err := BuildRentalDraft(rental, DefaultPolicy(), nil, builderNow)
	requireKind(t, err, shared.KindValidation)

	free := approvedOrder()
	for i := range free.Items {
		free.Items[i].UnitPrice = dec("0")
	}
	_, err = BuildOrderDraft(free, DefaultPolicy(), nil, builderNow)
	requireKind(t, err, shared.KindValidation)
}

func TestRentalDays(t *testing.T) {
	start := builderNow
	require.EqualValues(t, 1, RentalDays(start, start))
	require.EqualValues(t, 1, RentalDays(start, start.Add(-time.Hour)))
	require.EqualValues(t, 1, RentalDays(start, start.Add(5*time.Hour)))
	require.EqualValues(t, 3, RentalDays(start, start.Add(60*time.Hour)))
	require.EqualValues(t, 7, RentalDays(start, start.AddDate(0, 0, 7)))
}

func TestComputeTaxRounding(t *testing.T) {
	requireAmount(t, "0.18", ComputeTax(dec("1"), dec("0.18")))
	requireAmount(t, "1.81", ComputeTax(dec("10.05"), dec("0.18")))
	requireAmount(t, "0", ComputeTax(dec("0"), dec("0.18")))
}

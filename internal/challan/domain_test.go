package challan

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/challanflow/challanflow/internal/shared"
)

func TestStatusTransitionsGuards(t *testing.T) {
	editable := []Status{StatusDraft, StatusCreated, StatusRejected}
	for _, st := range editable {
		require.True(t, st.CanEdit(), "%s should be editable", st)
		require.True(t, st.CanSend(), "%s should be sendable", st)
	}
	frozen := []Status{StatusSent, StatusAccepted, StatusSelfAccepted, StatusReturned,
		StatusPartiallyReturned, StatusSelfReturned, StatusPartiallySelfReturned, StatusCancelled}
	for _, st := range frozen {
		require.False(t, st.CanEdit(), "%s should not be editable", st)
		require.False(t, st.CanSend(), "%s should not be sendable", st)
	}
	require.True(t, StatusDraft.CanCancel())
	require.True(t, StatusCreated.CanCancel())
	require.False(t, StatusSent.CanCancel())
	require.False(t, StatusAccepted.CanCancel())
}

func TestClassifyReturnOrigin(t *testing.T) {
	partyCo := int64(2)
	c := &Challan{CompanyID: 1, PartyCompanyID: &partyCo}

	require.Equal(t, OriginSelf, ClassifyReturnOrigin(c, shared.Identity{CompanyID: 1}))
	require.Equal(t, OriginParty, ClassifyReturnOrigin(c, shared.Identity{CompanyID: 2}))
}

func TestDeriveReturnStatus(t *testing.T) {
	cases := []struct {
		name     string
		returned float64
		origin   ReturnOrigin
		want     Status
	}{
		{"party full", 15, OriginParty, StatusReturned},
		{"party partial", 5, OriginParty, StatusPartiallyReturned},
		{"self full", 15, OriginSelf, StatusSelfReturned},
		{"self partial", 5, OriginSelf, StatusPartiallySelfReturned},
		{"over-full clamps to full", 20, OriginParty, StatusReturned},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := DeriveReturnStatus(StatusAccepted, 15, tc.returned, tc.origin)
			require.Equal(t, tc.want, got)
		})
	}
	require.Equal(t, StatusAccepted, DeriveReturnStatus(StatusAccepted, 15, 0, OriginParty))
}

func TestComputeLineAmounts(t *testing.T) {
	li := LineItem{
		Quantity: 3,
		Rate:     decimal.NewFromInt(150),
		TaxRate:  decimal.NewFromInt(12),
	}
	ComputeLineAmounts(&li)
	require.Equal(t, "450", li.Amount.String())
	require.Equal(t, "54", li.TaxAmount.String())
}

func TestAvailableQty(t *testing.T) {
	li := LineItem{Quantity: 10, ReturnedQty: 4}
	require.InDelta(t, 6, li.AvailableQty(), 0.0001)
}

func TestRecomputeTotals(t *testing.T) {
	c := &Challan{Items: []LineItem{
		{Quantity: 2, Rate: decimal.NewFromInt(100), TaxRate: decimal.NewFromInt(10)},
		{Quantity: 1, Rate: decimal.NewFromInt(50), TaxRate: decimal.Zero},
	}}
	for i := range c.Items {
		ComputeLineAmounts(&c.Items[i])
	}
	c.RecomputeTotals()
	require.Equal(t, "250", c.Subtotal.String())
	require.Equal(t, "20", c.TaxTotal.String())
	require.Equal(t, "270", c.GrandTotal.String())
}

package rule

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flashmart/internal/service/promotion/domain"
)

func TestCELEvaluator(t *testing.T) {
	ev, err := NewCELEvaluator()
	require.NoError(t, err)
	fact := domain.Fact{UserID: 7, ProductID: 100, Quantity: 2, Subtotal: decimal.RequireFromString("199.50")}

	testCases := []struct {
		name      string
		condition string
		want      bool
		wantErr   bool
	}{
		{name: "empty condition always applies", condition: "", want: true},
		{name: "subtotal threshold", condition: "subtotal >= 199.0", want: true},
		{name: "product scope miss", condition: "productId in [1, 2, 3]", want: false},
		{name: "combined", condition: "quantity >= 2 && userId == 7", want: true},
		{name: "non bool", condition: "quantity + 1", wantErr: true},
		{name: "syntax error", condition: "subtotal >=", wantErr: true},
		{name: "unknown variable", condition: "vip == true", wantErr: true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ev.Evaluate(tc.condition, fact)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestCELEvaluatorCachesPrograms(t *testing.T) {
	ev, err := NewCELEvaluator()
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := ev.Compile("quantity > 0")
		require.NoError(t, err)
	}
	_, err = ev.Compile("quantity > 1")
	require.NoError(t, err)
	assert.Len(t, ev.programs, 2)
}

package extract

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsMultiValue(t *testing.T) {
	multi := []string{"invoice_number", "Part Number", "transaction_date", "customer_name", "postal_code", "order_id", "cross_reference"}
	for _, f := range multi {
		assert.True(t, IsMultiValue(f), f)
	}
	single := []string{"total", "vendor", "currency", "summary"}
	for _, f := range single {
		assert.False(t, IsMultiValue(f), f)
	}
}

func TestBuildFieldSchema(t *testing.T) {
	schema := BuildFieldSchema([]string{"part_number", "vendor"}, map[string]string{"vendor": "Supplier name"})

	require.Equal(t, "object", schema["type"])
	require.Equal(t, false, schema["additionalProperties"])

	props, ok := schema["properties"].(map[string]any)
	require.True(t, ok)

	pn, ok := props["part_number"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "array", pn["type"])
	assert.Equal(t, true, pn["uniqueItems"])

	vendor, ok := props["vendor"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []any{"string", "null"}, vendor["type"])
	assert.Equal(t, "Supplier name", vendor["description"])
}

func TestNormalizeFields(t *testing.T) {
	raw := map[string]any{
		"part_number": []any{"A1", "B2"},
		"vendor":      "Acme",
		"unrequested": "dropped",
	}
	got := NormalizeFields(raw, []string{"part_number", "vendor", "total"})

	assert.Equal(t, []any{"A1", "B2"}, got["part_number"])
	assert.Equal(t, "Acme", got["vendor"])
	assert.Nil(t, got["total"])
	assert.NotContains(t, got, "unrequested")
}

func TestEmptyResult(t *testing.T) {
	got := EmptyResult([]string{"serial_number", "vendor"})
	assert.Equal(t, []any{}, got["serial_number"])
	assert.Nil(t, got["vendor"])
	assert.False(t, HasValues(got, []string{"serial_number", "vendor"}))
}

func TestHasValues(t *testing.T) {
	fields := []string{"part_number", "vendor"}

	assert.True(t, HasValues(map[string]any{"part_number": []any{"A1"}, "vendor": nil}, fields))
	assert.True(t, HasValues(map[string]any{"part_number": []any{}, "vendor": "Acme"}, fields))
	assert.False(t, HasValues(map[string]any{"part_number": []any{}, "vendor": ""}, fields))
	assert.False(t, HasValues(map[string]any{"part_number": []any{}, "vendor": "   "}, fields))
	assert.False(t, HasValues(map[string]any{}, fields))
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorType
	}{
		{ErrPageLimit, ErrorPageLimit},
		{ErrEmptyResult, ErrorEmpty},
		{errors.New("remote api returned status 429"), ErrorRate},
		{errors.New("resource exhausted"), ErrorRate},
		{errors.New("context deadline exceeded"), ErrorTransient},
		{errors.New("remote api returned status 503"), ErrorTransient},
		{errors.New("connection reset by peer"), ErrorTransient},
		{errors.New("invalid api key"), ErrorPermanent},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(tc.err), tc.err.Error())
	}
	assert.True(t, ErrorRate.Retryable())
	assert.True(t, ErrorTransient.Retryable())
	assert.False(t, ErrorPermanent.Retryable())
	assert.False(t, ErrorPageLimit.Retryable())
	assert.False(t, ErrorEmpty.Retryable())
}

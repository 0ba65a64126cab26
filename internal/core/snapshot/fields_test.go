package snapshot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultFieldRegistry(t *testing.T) {
	r := DefaultFieldRegistry()

	assert.Len(t, r.Fields(), 15)
	assert.Equal(t, []SectionName{SectionCustomerInformation, SectionBackground, SectionSolution}, r.CriticalSections())
	assert.Equal(t, []string{"company_name", "industry"}, r.RequiredFields(SectionCustomerInformation))
	assert.True(t, r.IsRequired(SectionEngagementDetails, "start_date"))
	assert.False(t, r.IsRequired(SectionFinancialImpact, "cost_savings"))

	def, ok := r.Definition("start_date")
	require.True(t, ok)
	assert.Equal(t, []SectionName{SectionEngagementDetails}, def.RequiredFor)

	penalties := r.Penalties(SectionFinancialImpact)
	penalties["cost_savings"] = 0
	assert.Equal(t, 0.2, r.Penalties(SectionFinancialImpact)["cost_savings"], "Penalties はコピーを返す")
}

func TestStaticFieldRegistry_ValidateValue(t *testing.T) {
	r := DefaultFieldRegistry()

	tests := []struct {
		name    string
		field   string
		value   string
		wantErr bool
	}{
		{name: "正しい日付", field: "start_date", value: "2024-07-14"},
		{name: "日付の形式違い", field: "start_date", value: "07/14/2024", wantErr: true},
		{name: "正しいメールアドレス", field: "contact_email", value: "jane@acme.com"},
		{name: "不正なメールアドレス", field: "contact_email", value: "jane at acme", wantErr: true},
		{name: "検証パターンのないフィールド", field: "location", value: "Austin, Texas, USA"},
		{name: "空の値", field: "industry", value: "  ", wantErr: true},
		{name: "未知のフィールド", field: "favorite_color", value: "blue", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.ValidateValue(tt.field, tt.value)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidInput)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestLoadFieldRegistry_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "未知のフィールドを参照",
			yaml: "fields:\n  - name: a\nsections:\n  - name: Background\n    required: [b]\n",
		},
		{
			name: "不正な正規表現",
			yaml: "fields:\n  - name: a\n    validation: '['\n",
		},
		{
			name: "未知のセクション",
			yaml: "fields:\n  - name: a\nsections:\n  - name: Appendix\n",
		},
		{
			name: "重複したフィールド",
			yaml: "fields:\n  - name: a\n  - name: a\n",
		},
		{
			name: "範囲外の減点",
			yaml: "fields:\n  - name: a\nsections:\n  - name: Background\n    penalties:\n      a: 1.5\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFieldRegistry([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

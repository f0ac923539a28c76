package templates

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender(t *testing.T) {
	tests := []struct {
		name     string
		pattern  string
		metadata map[string]any
		want     string
	}{
		{
			name:     "fills token",
			pattern:  "Welcome {{customerName}}",
			metadata: map[string]any{"customerName": "Ava"},
			want:     "Welcome Ava",
		},
		{
			name:     "inner spaces",
			pattern:  "Order #{{ order_id }} placed",
			metadata: map[string]any{"order_id": "42"},
			want:     "Order #42 placed",
		},
		{
			name:     "missing token stays literal",
			pattern:  "Hello {{customerNmae}}",
			metadata: map[string]any{"customerName": "Ava"},
			want:     "Hello {{customerNmae}}",
		},
		{
			name:     "nil metadata",
			pattern:  "Hello {{customerName}}",
			metadata: nil,
			want:     "Hello {{customerName}}",
		},
		{
			name:     "nil value stays literal",
			pattern:  "{{a}}",
			metadata: map[string]any{"a": nil},
			want:     "{{a}}",
		},
		{
			name:     "json numbers keep their precision",
			pattern:  "{{amount}} / {{quantity}}",
			metadata: map[string]any{"amount": 1250.5, "quantity": float64(3)},
			want:     "1250.5 / 3",
		},
		{
			name:     "json.Number and decimal",
			pattern:  "{{a}} {{b}}",
			metadata: map[string]any{"a": json.Number("12.00"), "b": decimal.RequireFromString("0.10")},
			want:     "12.00 0.1",
		},
		{
			name:     "repeated token",
			pattern:  "{{x}}{{x}}",
			metadata: map[string]any{"x": "ab"},
			want:     "abab",
		},
		{
			name:     "unbalanced braces untouched",
			pattern:  "{{x} and {x}}",
			metadata: map[string]any{"x": "v"},
			want:     "{{x} and {x}}",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Render(tt.pattern, tt.metadata))
		})
	}
}

func TestPatternsRender_EmailSubjectFallsBackToTitle(t *testing.T) {
	p := &Patterns{Language: "en", Title: "Low stock: {{product}}", Message: "{{quantity}} left"}

	c := p.Render(map[string]any{"product": "Widget", "quantity": 3})

	assert.Equal(t, "Low stock: Widget", c.Title)
	assert.Equal(t, "3 left", c.Message)
	assert.Equal(t, "Low stock: Widget", c.EmailSubject)
	assert.Empty(t, c.EmailHTML)
}

func TestPatternsRender_EscapesMetadataInEmailHTML(t *testing.T) {
	html := "<p>{{customer_name}} just registered.</p>"
	p := &Patterns{Language: "en", Title: "New customer: {{customer_name}}", Message: "{{customer_name}} signed up", EmailHTML: &html}

	c := p.Render(map[string]any{"customer_name": "<img src=x onerror=alert(1)>"})

	assert.Equal(t, "<p>&lt;img src=x onerror=alert(1)&gt; just registered.</p>", c.EmailHTML)
	assert.NotContains(t, c.EmailHTML, "<img")
	// Plain-text fields keep the raw value.
	assert.Equal(t, "New customer: <img src=x onerror=alert(1)>", c.Title)
	assert.Equal(t, "<img src=x onerror=alert(1)> signed up", c.Message)
}

func TestRenderHTML(t *testing.T) {
	m := map[string]any{"who": `Tom & "Jerry"`, "n": 3}

	assert.Equal(t, "<b>Tom &amp; &#34;Jerry&#34;</b> x3", RenderHTML("<b>{{who}}</b> x{{n}}", m))
	assert.Equal(t, "<i>{{missing}}</i>", RenderHTML("<i>{{missing}}</i>", m))
}

func TestDecodeMetadata(t *testing.T) {
	m := DecodeMetadata([]byte(`{"amount":1000.10,"customerName":"Ava"}`))
	require.NotNil(t, m)
	assert.Equal(t, json.Number("1000.10"), m["amount"])
	assert.Equal(t, "Total 1000.10 for Ava", Render("Total {{amount}} for {{customerName}}", m))

	assert.Nil(t, DecodeMetadata(nil))
	assert.Nil(t, DecodeMetadata([]byte(`not json`)))
}

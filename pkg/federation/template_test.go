package federation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender(t *testing.T) {
	idp := &IdPSettings{
		EntityID:    "http://idp.example.com/metadata",
		Realm:       "example",
		MetadataURL: "http://idp.example.com/metadata.xml",
	}
	bag := AttributeBag{
		"username": {"jdoe"},
		"email":    {"jdoe@example.com", "john@example.com"},
	}
	ctx := RenderContext{Realm: "example", Attributes: bag, IdP: idp}

	tests := []struct {
		name     string
		template string
		expected string
		wantErr  bool
	}{
		{
			name:     "plain text",
			template: "hello",
			expected: "hello",
		},
		{
			name:     "single-valued attribute without index",
			template: "{attributes[username]}",
			expected: "jdoe",
		},
		{
			name:     "indexed attribute",
			template: "{attributes[email][1]}",
			expected: "john@example.com",
		},
		{
			name:     "realm reference",
			template: "{attributes[username]}@{realm}",
			expected: "jdoe@example",
		},
		{
			name:     "idp entity id",
			template: "{attributes[username]}@{idp[ENTITY_ID]}",
			expected: "jdoe@http://idp.example.com/metadata",
		},
		{
			name:     "idp realm and metadata url",
			template: "{idp[REALM]}|{idp[METADATA_URL]}",
			expected: "example|http://idp.example.com/metadata.xml",
		},
		{
			name:     "escaped braces",
			template: "{{literal}}",
			expected: "{literal}",
		},
		{
			name:     "multi-valued attribute without index",
			template: "{attributes[email]}",
			wantErr:  true,
		},
		{
			name:     "absent attribute",
			template: "{attributes[missing][0]}",
			wantErr:  true,
		},
		{
			name:     "index out of range",
			template: "{attributes[username][3]}",
			wantErr:  true,
		},
		{
			name:     "negative index",
			template: "{attributes[username][-1]}",
			wantErr:  true,
		},
		{
			name:     "unknown idp field",
			template: "{idp[NOPE]}",
			wantErr:  true,
		},
		{
			name:     "unknown reference",
			template: "{nonsense}",
			wantErr:  true,
		},
		{
			name:     "unterminated reference",
			template: "{attributes[username]",
			wantErr:  true,
		},
		{
			name:     "stray closing brace",
			template: "oops}",
			wantErr:  true,
		},
		{
			name:     "indexed realm",
			template: "{realm[0]}",
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := Render(tt.template, ctx)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestRenderDefaultUsernameTemplate(t *testing.T) {
	idp := &IdPSettings{EntityID: "http://idp5"}
	bag := AttributeBag{KeyNameIDContent: {"1234"}}

	result, err := Render(DefaultUsernameTemplate, RenderContext{Realm: DefaultRealm, Attributes: bag, IdP: idp})
	require.NoError(t, err)
	assert.Equal(t, "1234@http://idp5", result)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 30))
	assert.Equal(t, "abc", truncate("abcdef", 3))
	assert.Equal(t, "abcdef", truncate("abcdef", 0))
	// Rune-based, never cuts a multi-byte character in half.
	assert.Equal(t, "héll", truncate("héllo", 4))
}

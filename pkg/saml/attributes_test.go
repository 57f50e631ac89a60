package saml

import (
	"testing"
	"time"

	saml2 "github.com/russellhaering/gosaml2"
	"github.com/russellhaering/gosaml2/types"
	"github.com/stretchr/testify/assert"

	"github.com/ngnpope/mellon/pkg/federation"
)

func TestExtractAttributes(t *testing.T) {
	authnInstant := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	notOnOrAfter := authnInstant.Add(8 * time.Hour)

	info := &saml2.AssertionInfo{
		NameID:              "nameid-1",
		SessionIndex:        "idx-1",
		AuthnInstant:        &authnInstant,
		SessionNotOnOrAfter: &notOnOrAfter,
		Values: saml2.Values{
			"email": types.Attribute{
				Name: "email",
				Values: []types.AttributeValue{
					{Value: "jdoe@example.com"},
				},
			},
			"groups": types.Attribute{
				Name: "groups",
				Values: []types.AttributeValue{
					{Value: "GroupA"},
					{Value: "GroupB"},
				},
			},
			"empty": types.Attribute{Name: "empty"},
		},
	}

	bag := ExtractAttributes("http://idp", info)

	assert.Equal(t, "http://idp", bag.Issuer())
	assert.Equal(t, "nameid-1", bag.NameID())
	assert.Equal(t, "idx-1", bag.SessionIndex())
	assert.Equal(t, "2026-03-14T09:26:53Z", bag.First(federation.KeyAuthnInstant))
	assert.Equal(t, "2026-03-14T17:26:53Z", bag.First(federation.KeySessionNotOnOrAfter))

	assert.Equal(t, []string{"jdoe@example.com"}, bag.Values("email"))
	assert.Equal(t, []string{"GroupA", "GroupB"}, bag.Values("groups"))
	// Attributes without values never appear in the bag.
	assert.False(t, bag.Has("empty"))
}

func TestExtractAttributesAssertionDetails(t *testing.T) {
	authnInstant := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

	info := &saml2.AssertionInfo{
		NameID: "nameid-1",
		Values: saml2.Values{},
		Assertions: []types.Assertion{
			{
				Subject: &types.Subject{
					NameID: &types.NameID{Value: "nameid-1"},
				},
				AuthnStatement: &types.AuthnStatement{
					SessionIndex: "idx-from-assertion",
					AuthnInstant: &authnInstant,
					AuthnContext: &types.AuthnContext{
						AuthnContextClassRef: &types.AuthnContextClassRef{
							Value: "urn:oasis:names:tc:SAML:2.0:ac:classes:Password",
						},
					},
				},
			},
		},
	}

	bag := ExtractAttributes("http://idp", info)

	assert.Equal(t, "urn:oasis:names:tc:SAML:2.0:ac:classes:Password", bag.AuthnClassRef())
	// The envelope carried no session index, so the assertion's wins.
	assert.Equal(t, "idx-from-assertion", bag.SessionIndex())
	assert.Equal(t, "2026-03-14T09:26:53Z", bag.First(federation.KeyAuthnInstant))
}

func TestApplyNameIDDetailsTransientFormat(t *testing.T) {
	info := &saml2.AssertionInfo{NameID: "transient-1", Values: saml2.Values{}}
	bag := ExtractAttributes("http://idp", info)

	raw := []byte(`<Response xmlns="urn:oasis:names:tc:SAML:2.0:protocol" xmlns:saml="urn:oasis:names:tc:SAML:2.0:assertion">
  <saml:Assertion>
    <saml:Subject>
      <saml:NameID Format="urn:oasis:names:tc:SAML:2.0:nameid-format:transient">transient-1</saml:NameID>
    </saml:Subject>
  </saml:Assertion>
</Response>`)
	applyNameIDDetails(bag, raw)

	assert.Equal(t, federation.NameIDFormatTransient, bag.NameIDFormat())
	assert.Equal(t, "transient-1", bag.NameID())
}

func TestApplyNameIDDetailsKeepsExistingValue(t *testing.T) {
	bag := federation.AttributeBag{
		federation.KeyIssuer:        {"http://idp"},
		federation.KeyNameIDContent: {"envelope-nameid"},
	}

	raw := []byte(`<Response xmlns="urn:oasis:names:tc:SAML:2.0:protocol" xmlns:saml="urn:oasis:names:tc:SAML:2.0:assertion">
  <saml:Assertion>
    <saml:Subject>
      <saml:NameID Format="urn:oasis:names:tc:SAML:2.0:nameid-format:persistent">other-nameid</saml:NameID>
    </saml:Subject>
  </saml:Assertion>
</Response>`)
	applyNameIDDetails(bag, raw)

	assert.Equal(t, "envelope-nameid", bag.NameID())
	assert.Equal(t, "urn:oasis:names:tc:SAML:2.0:nameid-format:persistent", bag.NameIDFormat())

	// Garbage never clobbers anything.
	applyNameIDDetails(bag, []byte("not xml"))
	assert.Equal(t, "envelope-nameid", bag.NameID())
}

func TestExtractAttributesEnvelopeWins(t *testing.T) {
	info := &saml2.AssertionInfo{
		NameID:       "envelope-nameid",
		SessionIndex: "envelope-idx",
		Values:       saml2.Values{},
		Assertions: []types.Assertion{
			{
				Subject: &types.Subject{
					NameID: &types.NameID{Value: "assertion-nameid"},
				},
				AuthnStatement: &types.AuthnStatement{SessionIndex: "assertion-idx"},
			},
		},
	}

	bag := ExtractAttributes("http://idp", info)
	assert.Equal(t, "envelope-nameid", bag.NameID())
	assert.Equal(t, "envelope-idx", bag.SessionIndex())
}

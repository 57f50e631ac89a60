package saml

import (
	"encoding/xml"
	"strings"
	"time"

	saml2 "github.com/russellhaering/gosaml2"
	"github.com/russellhaering/gosaml2/types"

	"github.com/ngnpope/mellon/pkg/federation"
)

// ExtractAttributes flattens a verified assertion into the normalized
// attribute bag consumed by the federation core. Reserved keys come from the
// assertion envelope; everything else is an IdP claim, multi-valued as sent.
func ExtractAttributes(issuer string, info *saml2.AssertionInfo) federation.AttributeBag {
	bag := federation.AttributeBag{
		federation.KeyIssuer: {issuer},
	}
	if info.NameID != "" {
		bag[federation.KeyNameIDContent] = []string{info.NameID}
	}
	if info.SessionIndex != "" {
		bag[federation.KeySessionIndex] = []string{info.SessionIndex}
	}
	if info.AuthnInstant != nil {
		bag[federation.KeyAuthnInstant] = []string{info.AuthnInstant.UTC().Format(time.RFC3339)}
	}
	if info.SessionNotOnOrAfter != nil {
		bag[federation.KeySessionNotOnOrAfter] = []string{info.SessionNotOnOrAfter.UTC().Format(time.RFC3339)}
	}

	for name, attr := range info.Values {
		values := make([]string, 0, len(attr.Values))
		for _, v := range attr.Values {
			values = append(values, v.Value)
		}
		if len(values) > 0 {
			bag[name] = values
		}
	}

	for _, assertion := range info.Assertions {
		applyAssertionDetails(bag, &assertion)
	}
	return bag
}

// applyAssertionDetails fills the reserved keys only the decoded assertion
// carries, such as the authentication context class.
func applyAssertionDetails(bag federation.AttributeBag, assertion *types.Assertion) {
	if assertion.Subject != nil && assertion.Subject.NameID != nil {
		if assertion.Subject.NameID.Value != "" && !bag.Has(federation.KeyNameIDContent) {
			bag[federation.KeyNameIDContent] = []string{assertion.Subject.NameID.Value}
		}
	}
	stmt := assertion.AuthnStatement
	if stmt == nil {
		return
	}
	if stmt.AuthnContext != nil && stmt.AuthnContext.AuthnContextClassRef != nil &&
		stmt.AuthnContext.AuthnContextClassRef.Value != "" && !bag.Has(federation.KeyAuthnContextClassRef) {
		bag[federation.KeyAuthnContextClassRef] = []string{stmt.AuthnContext.AuthnContextClassRef.Value}
	}
	if stmt.SessionIndex != "" && !bag.Has(federation.KeySessionIndex) {
		bag[federation.KeySessionIndex] = []string{stmt.SessionIndex}
	}
	if stmt.AuthnInstant != nil && !bag.Has(federation.KeyAuthnInstant) {
		bag[federation.KeyAuthnInstant] = []string{stmt.AuthnInstant.UTC().Format(time.RFC3339)}
	}
	if stmt.SessionNotOnOrAfter != nil && !bag.Has(federation.KeySessionNotOnOrAfter) {
		bag[federation.KeySessionNotOnOrAfter] = []string{stmt.SessionNotOnOrAfter.UTC().Format(time.RFC3339)}
	}
}

// gosaml2 drops the Format attribute when it decodes the subject name
// identifier, so it is read back from the raw response document.
type rawNameID struct {
	Format string `xml:"Format,attr"`
	Value  string `xml:",chardata"`
}

type rawResponse struct {
	XMLName xml.Name    `xml:"urn:oasis:names:tc:SAML:2.0:protocol Response"`
	NameIDs []rawNameID `xml:"Assertion>Subject>NameID"`
}

// applyNameIDDetails recovers the name identifier format, and the value when
// the bag carries none, from the already verified response document.
func applyNameIDDetails(bag federation.AttributeBag, raw []byte) {
	response := &rawResponse{}
	if err := xml.Unmarshal(raw, response); err != nil {
		return
	}
	for _, nameID := range response.NameIDs {
		if nameID.Format != "" && !bag.Has(federation.KeyNameIDFormat) {
			bag[federation.KeyNameIDFormat] = []string{nameID.Format}
		}
		if value := strings.TrimSpace(nameID.Value); value != "" && !bag.Has(federation.KeyNameIDContent) {
			bag[federation.KeyNameIDContent] = []string{value}
		}
	}
}

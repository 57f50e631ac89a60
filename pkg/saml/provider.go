package saml

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"encoding/xml"
	"fmt"

	"github.com/beevik/etree"
	saml2 "github.com/russellhaering/gosaml2"
	"github.com/russellhaering/gosaml2/types"
	dsig "github.com/russellhaering/goxmldsig"

	"github.com/ngnpope/mellon/pkg/federation"
)

// SPConfig holds the service-provider side of the SAML exchange.
type SPConfig struct {
	// BaseURL is the externally visible origin of this service provider,
	// e.g. https://sp.example.com.
	BaseURL string

	// EntityID overrides the SP issuer; defaults to BaseURL + "/sso/metadata".
	EntityID string

	// Certificate and PrivateKey are PEM blocks used to sign authn requests.
	// When absent an ephemeral key pair is generated and requests are sent
	// unsigned.
	Certificate string
	PrivateKey  string

	SignRequests bool
}

func (c SPConfig) issuer() string {
	if c.EntityID != "" {
		return c.EntityID
	}
	return c.BaseURL + "/sso/metadata"
}

// Provider wraps a configured gosaml2 service provider for one IdP. It is
// the boundary between the verified-XML world and the federation core:
// everything past ParseResponse is a plain attribute bag.
type Provider struct {
	settings *federation.IdPSettings
	sp       *saml2.SAMLServiceProvider
}

// NewProvider builds a provider from the IdP metadata document carried in
// settings.Metadata. The metadata must already be resolved (inline); the
// registry takes care of file and URL sources.
func NewProvider(settings *federation.IdPSettings, spConfig SPConfig) (*Provider, error) {
	if settings.Metadata == "" {
		return nil, fmt.Errorf("no metadata for identity provider %q", settings.EntityID)
	}

	metadata := &types.EntityDescriptor{}
	if err := xml.Unmarshal([]byte(settings.Metadata), metadata); err != nil {
		return nil, fmt.Errorf("failed to parse metadata of %q: %w", settings.EntityID, err)
	}
	if metadata.IDPSSODescriptor == nil {
		return nil, fmt.Errorf("metadata of %q has no IDPSSODescriptor", settings.EntityID)
	}

	certStore := dsig.MemoryX509CertificateStore{Roots: []*x509.Certificate{}}
	for _, kd := range metadata.IDPSSODescriptor.KeyDescriptors {
		for _, xc := range kd.KeyInfo.X509Data.X509Certificates {
			if xc.Data == "" {
				continue
			}
			der, err := base64.StdEncoding.DecodeString(xc.Data)
			if err != nil {
				return nil, fmt.Errorf("failed to decode certificate in metadata of %q: %w", settings.EntityID, err)
			}
			cert, err := x509.ParseCertificate(der)
			if err != nil {
				return nil, fmt.Errorf("failed to parse certificate in metadata of %q: %w", settings.EntityID, err)
			}
			certStore.Roots = append(certStore.Roots, cert)
		}
	}
	if len(certStore.Roots) == 0 {
		return nil, fmt.Errorf("metadata of %q carries no signing certificate", settings.EntityID)
	}

	var ssoURL, sloURL string
	for _, svc := range metadata.IDPSSODescriptor.SingleSignOnServices {
		if ssoURL == "" || svc.Binding == saml2.BindingHttpRedirect {
			ssoURL = svc.Location
		}
	}
	for _, svc := range metadata.IDPSSODescriptor.SingleLogoutServices {
		if sloURL == "" || svc.Binding == saml2.BindingHttpRedirect {
			sloURL = svc.Location
		}
	}
	if ssoURL == "" {
		return nil, fmt.Errorf("metadata of %q has no single sign-on endpoint", settings.EntityID)
	}

	keyStore, err := spConfig.keyStore()
	if err != nil {
		return nil, err
	}

	sp := &saml2.SAMLServiceProvider{
		IdentityProviderSSOURL:      ssoURL,
		IdentityProviderSLOURL:      sloURL,
		IdentityProviderIssuer:      metadata.EntityID,
		ServiceProviderIssuer:       spConfig.issuer(),
		AssertionConsumerServiceURL: spConfig.BaseURL + "/sso/acs",
		ServiceProviderSLOURL:       spConfig.BaseURL + "/sso/slo",
		SignAuthnRequests:           spConfig.SignRequests,
		AudienceURI:                 spConfig.issuer(),
		IDPCertificateStore:         &certStore,
		SPKeyStore:                  keyStore,
	}

	return &Provider{settings: settings, sp: sp}, nil
}

func (c SPConfig) keyStore() (dsig.X509KeyStore, error) {
	if c.PrivateKey == "" {
		return dsig.RandomKeyStoreForTest(), nil
	}
	keyBlock, _ := pem.Decode([]byte(c.PrivateKey))
	if keyBlock == nil {
		return nil, fmt.Errorf("failed to decode SP private key PEM")
	}
	privateKey, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		pkcs8Key, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse SP private key: %w", err)
		}
		var ok bool
		privateKey, ok = pkcs8Key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("SP private key is not RSA")
		}
	}
	certBlock, _ := pem.Decode([]byte(c.Certificate))
	if certBlock == nil {
		return nil, fmt.Errorf("failed to decode SP certificate PEM")
	}
	return &dsig.TLSCertKeyStore{
		PrivateKey:  privateKey,
		Certificate: [][]byte{certBlock.Bytes},
	}, nil
}

// Settings returns the IdP settings snapshot bound to this provider.
func (p *Provider) Settings() *federation.IdPSettings {
	return p.settings
}

// BuildAuthURL produces the IdP redirect URL carrying the authn request.
func (p *Provider) BuildAuthURL(relayState string) (string, error) {
	return p.sp.BuildAuthURL(relayState)
}

// ParseResponse validates the posted SAMLResponse and converts the verified
// assertion into an attribute bag. Signature and schema validation happen
// entirely inside gosaml2.
func (p *Provider) ParseResponse(samlResponse string) (federation.AttributeBag, error) {
	info, err := p.sp.RetrieveAssertionInfo(samlResponse)
	if err != nil {
		return nil, fmt.Errorf("failed to validate assertion: %w", err)
	}
	if info.WarningInfo != nil {
		if info.WarningInfo.InvalidTime {
			return nil, fmt.Errorf("assertion is outside its validity window")
		}
		if info.WarningInfo.NotInAudience {
			return nil, fmt.Errorf("assertion audience does not include this service provider")
		}
	}
	bag := ExtractAttributes(p.settings.EntityID, info)
	if raw, derr := base64.StdEncoding.DecodeString(samlResponse); derr == nil {
		applyNameIDDetails(bag, raw)
	}
	return bag, nil
}

// Metadata renders the SP metadata document for IdP registration.
func (p *Provider) Metadata() ([]byte, error) {
	descriptor, err := p.sp.Metadata()
	if err != nil {
		return nil, fmt.Errorf("failed to generate metadata: %w", err)
	}
	out, err := xml.MarshalIndent(descriptor, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return append([]byte(xml.Header), out...), nil
}

// LogoutURL builds a redirect-binding LogoutRequest URL for the IdP's single
// logout endpoint. Empty when the IdP advertises no SLO endpoint.
func (p *Provider) LogoutURL(nameID, sessionIndex string) (string, error) {
	if p.sp.IdentityProviderSLOURL == "" {
		return "", nil
	}
	var doc *etree.Document
	var err error
	if p.sp.SignAuthnRequests {
		doc, err = p.sp.BuildLogoutRequestDocument(nameID, sessionIndex)
	} else {
		doc, err = p.sp.BuildLogoutRequestDocumentNoSig(nameID, sessionIndex)
	}
	if err != nil {
		return "", fmt.Errorf("failed to build logout request: %w", err)
	}
	logoutURL, err := p.sp.BuildLogoutURLRedirect("", doc)
	if err != nil {
		return "", fmt.Errorf("failed to build logout URL: %w", err)
	}
	return logoutURL, nil
}

// ValidateLogoutRequest checks an encoded IdP-initiated LogoutRequest:
// schema, issuer, destination and the signature embedded in the document,
// against this IdP's certificates. Both bindings' encodings are accepted;
// a detached query-string signature is not, the document must be signed.
func (p *Provider) ValidateLogoutRequest(message string) (*saml2.LogoutRequest, error) {
	request, err := p.sp.ValidateEncodedLogoutRequestPOST(message)
	if err != nil {
		return nil, fmt.Errorf("failed to validate logout request: %w", err)
	}
	return request, nil
}

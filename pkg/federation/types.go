package federation

// Reserved attribute bag keys populated by the protocol layer from the
// verified assertion. Everything else in the bag is an IdP-asserted claim.
const (
	KeyIssuer               = "issuer"
	KeyNameIDContent        = "name_id_content"
	KeyNameIDFormat         = "name_id_format"
	KeyAuthnContextClassRef = "authn_context_class_ref"
	KeyAuthnInstant         = "authn_instant"
	KeySessionIndex         = "session_index"
	KeySessionNotOnOrAfter  = "session_not_on_or_after"
)

// NameIDFormatTransient is the SAML 2.0 transient name identifier format.
// A transient identifier carries no durable meaning across sessions and can
// only be federated through an auxiliary stable attribute.
const NameIDFormatTransient = "urn:oasis:names:tc:SAML:2.0:nameid-format:transient"

// AttributeBag is the normalized claim set extracted from one verified SAML
// assertion. All values are multi-valued strings; the reserved keys above are
// single-valued by construction. The bag is read-only to the core.
type AttributeBag map[string][]string

// Values returns all values for an attribute, nil if absent.
func (b AttributeBag) Values(name string) []string {
	return b[name]
}

// First returns the first value for an attribute, or "" if absent.
func (b AttributeBag) First(name string) string {
	if vs := b[name]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// Has reports whether the attribute is present with at least one value.
func (b AttributeBag) Has(name string) bool {
	return len(b[name]) > 0
}

func (b AttributeBag) Issuer() string        { return b.First(KeyIssuer) }
func (b AttributeBag) NameID() string        { return b.First(KeyNameIDContent) }
func (b AttributeBag) NameIDFormat() string  { return b.First(KeyNameIDFormat) }
func (b AttributeBag) AuthnClassRef() string { return b.First(KeyAuthnContextClassRef) }
func (b AttributeBag) SessionIndex() string  { return b.First(KeySessionIndex) }

// LookupRule maps a local user field to a SAML attribute for attribute-based
// account matching before provisioning.
type LookupRule struct {
	UserField     string `yaml:"user_field" json:"user_field"`
	SAMLAttribute string `yaml:"saml_attribute" json:"saml_attribute"`
	IgnoreCase    bool   `yaml:"ignore_case" json:"ignore_case"`
}

// IdPSettings is the per-IdP configuration snapshot threaded through every
// call. Deployment-wide defaults are already applied at load time; the core
// never mutates it.
type IdPSettings struct {
	// EntityID is the IdP issuer entity ID, the first half of the link key.
	EntityID string `yaml:"entity_id" json:"entity_id"`

	// Metadata is the IdP metadata document (inline XML). MetadataFile and
	// MetadataURL are alternate sources resolved by the registry.
	Metadata     string `yaml:"metadata" json:"metadata,omitempty"`
	MetadataFile string `yaml:"metadata_file" json:"metadata_file,omitempty"`
	MetadataURL  string `yaml:"metadata_url" json:"metadata_url,omitempty"`

	Realm            string `yaml:"realm" json:"realm"`
	UsernameTemplate string `yaml:"username_template" json:"username_template"`

	// AttributeMapping maps user fields to render templates, e.g.
	// email: "{attributes[email][0]}".
	AttributeMapping map[string]string `yaml:"attribute_mapping" json:"attribute_mapping"`

	// SuperuserMapping grants the staff/superuser flags when the named claim
	// carries one of the accepted values. Configured but unmatched revokes.
	SuperuserMapping map[string][]string `yaml:"superuser_mapping" json:"superuser_mapping"`

	GroupAttribute string `yaml:"group_attribute" json:"group_attribute"`
	CreateGroup    bool   `yaml:"create_group" json:"create_group"`

	// Provision enables just-in-time account creation for unknown identities.
	Provision bool `yaml:"provision" json:"provision"`

	// TransientFederationAttribute names the stable attribute used as the
	// link key when the IdP sends transient name identifiers.
	TransientFederationAttribute string `yaml:"transient_federation_attribute" json:"transient_federation_attribute"`

	LookupByAttributes []LookupRule `yaml:"lookup_by_attributes" json:"lookup_by_attributes"`

	// AuthnClassRef restricts logins to assertions carrying one of these
	// authentication context class references. Empty means no restriction.
	AuthnClassRef []string `yaml:"authn_classref" json:"authn_classref"`
}

// Default settings applied by the configuration loader when a provider entry
// leaves them unset.
const (
	DefaultRealm            = "saml"
	DefaultUsernameTemplate = "{attributes[name_id_content]}@{idp[ENTITY_ID]}"
)

package federation

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/ngnpope/mellon/pkg/audit"
	"github.com/ngnpope/mellon/pkg/directory"
	"github.com/ngnpope/mellon/pkg/observability"
)

// Authorizer evaluates IdP-specific access constraints before resolution.
type Authorizer interface {
	// Authorize returns ErrAccessDenied when the assertion violates the IdP
	// policy; nil means resolution may proceed. No side effects.
	Authorize(idp *IdPSettings, bag AttributeBag) error
}

// Resolver maps an attribute bag to the local user to authenticate as.
type Resolver interface {
	// ResolveUser returns (nil, nil) for every expected negative outcome
	// (no link, provisioning disabled, ambiguous lookup); errors are
	// reserved for infrastructure failures.
	ResolveUser(ctx context.Context, idp *IdPSettings, bag AttributeBag) (*directory.User, error)
}

// Provisioner synchronizes local user state from the external claims.
type Provisioner interface {
	// Provision runs the attribute, superuser and group sync sub-steps.
	// Each sub-step fails soft: a malformed mapping or storage error for
	// one never blocks the others.
	Provision(ctx context.Context, user *directory.User, idp *IdPSettings, bag AttributeBag)
}

// Adapter bundles the three pluggable stages of the federation pipeline.
// Deployments may substitute any stage by wrapping or replacing the default.
type Adapter interface {
	Authorizer
	Resolver
	Provisioner
}

// DefaultAdapter is the stock implementation of Adapter backed by a user
// directory and an identity link store.
type DefaultAdapter struct {
	dir     directory.Directory
	links   directory.LinkStore
	logger  *observability.Logger
	audit   audit.Recorder
	metrics *observability.Metrics
}

// NewDefaultAdapter creates the default adapter. A nil logger falls back to
// an info-level stdout logger; a nil recorder routes audit events through
// the logger.
func NewDefaultAdapter(dir directory.Directory, links directory.LinkStore, logger *observability.Logger, recorder audit.Recorder) *DefaultAdapter {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, os.Stdout)
	}
	if recorder == nil {
		recorder = audit.NewLogRecorder(logger)
	}
	return &DefaultAdapter{
		dir:    dir,
		links:  links,
		logger: logger,
		audit:  recorder,
	}
}

// WithMetrics attaches a metrics sink and returns the adapter.
func (a *DefaultAdapter) WithMetrics(m *observability.Metrics) *DefaultAdapter {
	a.metrics = m
	return a
}

// Authorize rejects the login when no IdP is bound or when the assertion's
// authentication context class is not in the configured allowed set.
func (a *DefaultAdapter) Authorize(idp *IdPSettings, bag AttributeBag) error {
	if idp == nil {
		return fmt.Errorf("%w: no identity provider matches issuer %q", ErrAccessDenied, bag.Issuer())
	}
	if len(idp.AuthnClassRef) == 0 {
		return nil
	}
	given := bag.AuthnClassRef()
	for _, allowed := range idp.AuthnClassRef {
		if given == allowed {
			return nil
		}
	}
	return fmt.Errorf("%w: authentication context class %q not in allowed set", ErrAccessDenied, given)
}

// FormatUsername renders the IdP username template against the attribute
// bag, truncated to the directory's username bound. An empty return means no
// username could be produced, which aborts user creation.
func (a *DefaultAdapter) FormatUsername(idp *IdPSettings, bag AttributeBag) string {
	tpl := idp.UsernameTemplate
	if tpl == "" {
		tpl = DefaultUsernameTemplate
	}
	username, err := Render(tpl, RenderContext{Realm: realmOf(idp), Attributes: bag, IdP: idp})
	if err != nil {
		a.logger.WithError(err).Warnf("invalid username template %q", tpl)
		return ""
	}
	return truncate(username, a.dir.FieldMaxLength("username"))
}

func realmOf(idp *IdPSettings) string {
	if idp.Realm != "" {
		return idp.Realm
	}
	return DefaultRealm
}

// Broker is the authentication entry point exposed to the protocol layer.
type Broker struct {
	adapter Adapter
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewBroker wraps an adapter into the entry point. Logger and metrics may be
// nil.
func NewBroker(adapter Adapter, logger *observability.Logger, metrics *observability.Metrics) *Broker {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, os.Stdout)
	}
	return &Broker{adapter: adapter, logger: logger, metrics: metrics}
}

// ResolveAndAuthenticate runs the full pipeline: authorization, identity
// resolution, then provisioning of the resolved user. A nil user with nil
// error means "refuse login"; errors are infrastructure failures only.
func (b *Broker) ResolveAndAuthenticate(ctx context.Context, idp *IdPSettings, bag AttributeBag) (*directory.User, error) {
	issuer := bag.Issuer()

	if err := b.adapter.Authorize(idp, bag); err != nil {
		if errors.Is(err, ErrAccessDenied) {
			b.logger.WithError(err).WithField("issuer", issuer).Warn("access denied by identity provider policy")
			b.countLogin(issuer, observability.OutcomeDenied)
			return nil, nil
		}
		return nil, err
	}

	user, err := b.adapter.ResolveUser(ctx, idp, bag)
	if err != nil {
		b.countLogin(issuer, observability.OutcomeError)
		return nil, err
	}
	if user == nil {
		b.countLogin(issuer, observability.OutcomeRefused)
		return nil, nil
	}

	b.adapter.Provision(ctx, user, idp, bag)
	b.countLogin(issuer, observability.OutcomeSuccess)
	return user, nil
}

func (b *Broker) countLogin(issuer, outcome string) {
	if b.metrics != nil {
		b.metrics.LoginsTotal.WithLabelValues(issuer, outcome).Inc()
	}
}

package federation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ngnpope/mellon/pkg/audit"
	"github.com/ngnpope/mellon/pkg/directory"
)

// ResolveUser maps the attribute bag to a local user, in order: direct link
// lookup, attribute-based lookup over unlinked accounts, just-in-time
// provisioning, then atomic link establishment. Expected negative outcomes
// return (nil, nil); only storage failures surface as errors.
func (a *DefaultAdapter) ResolveUser(ctx context.Context, idp *IdPSettings, bag AttributeBag) (*directory.User, error) {
	nameID, ok := a.federationNameID(idp, bag)
	if !ok {
		return nil, nil
	}
	issuer := bag.Issuer()

	// Repeat logins take this read-only fast path: no writes, no
	// provisioning checks.
	user, err := a.dir.GetByLink(ctx, issuer, nameID)
	if err == nil {
		a.logger.Infof("looked up user %s with name_id %s from issuer %s", user.Username, nameID, issuer)
		return user, nil
	}
	if !errors.Is(err, directory.ErrNotFound) {
		return nil, err
	}

	if len(idp.LookupByAttributes) > 0 {
		var ambiguous bool
		user, ambiguous, err = a.lookupByAttributes(ctx, idp, bag)
		if err != nil {
			return nil, err
		}
		if ambiguous {
			return nil, nil
		}
	}

	created := false
	if user == nil {
		if !idp.Provision {
			a.logger.Debugf("provisioning disabled for issuer %s, login refused", issuer)
			return nil, nil
		}
		// The placeholder username is random so no attacker-controlled
		// value can collide with the uniqueness constraint during creation.
		placeholder := strings.ReplaceAll(uuid.New().String(), "-", "")[:30]
		user, err = a.dir.Create(ctx, placeholder)
		if err != nil {
			return nil, fmt.Errorf("failed to create user for (%s, %s): %w", issuer, nameID, err)
		}
		created = true
	}

	link, linkCreated, err := a.links.InsertIfAbsent(ctx, issuer, nameID, user.ID)
	if err != nil {
		if created {
			a.discardUser(ctx, user, issuer, nameID)
		}
		return nil, err
	}
	if link.UserID != user.ID {
		// A concurrent resolution created the link first; adopt its user
		// and discard the speculative one.
		winner, werr := a.dir.Get(ctx, link.UserID)
		if created {
			a.discardUser(ctx, user, issuer, nameID)
			if a.metrics != nil {
				a.metrics.LinkRacesLostTotal.WithLabelValues(issuer).Inc()
			}
		}
		if werr != nil {
			return nil, werr
		}
		a.logger.Infof("looked up user %s with name_id %s from issuer %s", winner.Username, nameID, issuer)
		return winner, nil
	}
	if linkCreated {
		a.recordEvent(ctx, &audit.Event{
			EventType: audit.EventTypeLinkCreated,
			Issuer:    issuer,
			NameID:    nameID,
			UserID:    user.ID,
			Username:  user.Username,
		})
	}

	if created {
		if err := a.finishCreateUser(ctx, idp, bag, user); err != nil {
			// Roll back both sides so no unusable account stays linked.
			if derr := a.links.DeleteLink(ctx, issuer, nameID); derr != nil {
				a.logger.WithError(derr).Errorf("failed to delete link (%s, %s) after username failure", issuer, nameID)
			}
			a.discardUser(ctx, user, issuer, nameID)
			if errors.Is(err, errUserCreation) {
				return nil, nil
			}
			return nil, err
		}
		a.logger.Infof("created new user %s with name_id %s from issuer %s", user.Username, nameID, issuer)
		a.recordEvent(ctx, &audit.Event{
			EventType: audit.EventTypeUserProvisioned,
			Issuer:    issuer,
			NameID:    nameID,
			UserID:    user.ID,
			Username:  user.Username,
		})
		if a.metrics != nil {
			a.metrics.UsersProvisionedTotal.WithLabelValues(issuer).Inc()
		}
	}
	return user, nil
}

// federationNameID derives the durable linking key. Transient name
// identifiers carry no meaning on their own, so they federate only through
// the configured stable attribute, which must be present with exactly one
// value.
func (a *DefaultAdapter) federationNameID(idp *IdPSettings, bag AttributeBag) (string, bool) {
	if bag.NameIDFormat() != NameIDFormatTransient {
		nameID := bag.NameID()
		if nameID == "" {
			a.logger.Debug("assertion carries no name identifier, cannot federate")
			return "", false
		}
		return nameID, true
	}
	attr := idp.TransientFederationAttribute
	if attr == "" {
		a.logger.Debug("transient name identifier without a federation attribute, cannot federate")
		return "", false
	}
	values := bag.Values(attr)
	switch len(values) {
	case 0:
		a.logger.Debugf("federation attribute %q is absent, cannot federate", attr)
		return "", false
	case 1:
		return values[0], true
	}
	a.logger.Warnf("more than one value for attribute %q, cannot federate", attr)
	return "", false
}

// lookupByAttributes unions directory matches across all configured rules
// and attribute values, restricted to users with no existing identity link.
// Exactly one candidate wins; more than one is always an error, never a
// silent pick.
func (a *DefaultAdapter) lookupByAttributes(ctx context.Context, idp *IdPSettings, bag AttributeBag) (*directory.User, bool, error) {
	candidates := make(map[int64]*directory.User)
	for _, rule := range idp.LookupByAttributes {
		if rule.UserField == "" || !a.dir.ValidField(rule.UserField) {
			a.logger.Errorf("invalid lookup rule %+v: unknown user field %q", rule, rule.UserField)
			continue
		}
		if rule.SAMLAttribute == "" {
			a.logger.Errorf("invalid lookup rule %+v: saml_attribute is missing", rule)
			continue
		}
		values := bag.Values(rule.SAMLAttribute)
		if len(values) == 0 {
			a.logger.Debugf("looking for user by saml attribute %q and user field %q, skipping because empty",
				rule.SAMLAttribute, rule.UserField)
			continue
		}
		for _, value := range values {
			found, err := a.dir.Find(ctx, rule.UserField, value, rule.IgnoreCase, true)
			if err != nil {
				return nil, false, err
			}
			if len(found) == 0 {
				a.logger.Debugf("looking for users by attribute %q and user field %q with value %q: not found",
					rule.SAMLAttribute, rule.UserField, value)
				continue
			}
			a.logger.Infof("looking for users by attribute %q and user field %q with value %q: found %d",
				rule.SAMLAttribute, rule.UserField, value, len(found))
			for _, u := range found {
				candidates[u.ID] = u
			}
		}
	}
	switch len(candidates) {
	case 0:
		return nil, false, nil
	case 1:
		for _, u := range candidates {
			a.logger.Infof("looking for user by attributes: found user %s", u.Username)
			return u, false, nil
		}
	}
	a.logger.Warnf("looking for user by attributes: too many users found(%d), failing", len(candidates))
	return nil, true, nil
}

// finishCreateUser assigns the real username to a just-provisioned user.
func (a *DefaultAdapter) finishCreateUser(ctx context.Context, idp *IdPSettings, bag AttributeBag, user *directory.User) error {
	username := a.FormatUsername(idp, bag)
	if username == "" {
		a.logger.Warn("could not build a username, login refused")
		return errUserCreation
	}
	if err := a.dir.SetFields(ctx, user, map[string]string{"username": username}); err != nil {
		return err
	}
	return nil
}

// discardUser deletes a speculative user that lost the link race or could
// not be finalized.
func (a *DefaultAdapter) discardUser(ctx context.Context, user *directory.User, issuer, nameID string) {
	if err := a.dir.Delete(ctx, user); err != nil {
		a.logger.WithError(err).Errorf("failed to discard user %d", user.ID)
		return
	}
	a.recordEvent(ctx, &audit.Event{
		EventType: audit.EventTypeUserDiscarded,
		Issuer:    issuer,
		NameID:    nameID,
		UserID:    user.ID,
		Username:  user.Username,
	})
}

func (a *DefaultAdapter) recordEvent(ctx context.Context, event *audit.Event) {
	if err := a.audit.Record(ctx, event); err != nil {
		a.logger.WithError(err).Errorf("failed to record audit event %s", event.EventType)
	}
}

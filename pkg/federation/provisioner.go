package federation

import (
	"context"
	"errors"
	"sort"

	"github.com/ngnpope/mellon/pkg/audit"
	"github.com/ngnpope/mellon/pkg/directory"
)

// Provision synchronizes profile fields, the staff/superuser flag pair and
// group memberships from the external claims. The three sub-steps are
// independent and each fails soft: a malformed mapping or storage error in
// one never blocks the others.
func (a *DefaultAdapter) Provision(ctx context.Context, user *directory.User, idp *IdPSettings, bag AttributeBag) {
	a.provisionAttributes(ctx, user, idp, bag)
	a.provisionSuperuser(ctx, user, idp, bag)
	a.provisionGroups(ctx, user, idp, bag)
}

// provisionAttributes renders each configured field template, truncates to
// the field bound and persists once after all fields, writing only values
// that actually changed.
func (a *DefaultAdapter) provisionAttributes(ctx context.Context, user *directory.User, idp *IdPSettings, bag AttributeBag) {
	if len(idp.AttributeMapping) == 0 {
		return
	}
	renderCtx := RenderContext{Realm: realmOf(idp), Attributes: bag, IdP: idp}

	fields := make([]string, 0, len(idp.AttributeMapping))
	for field := range idp.AttributeMapping {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	changes := make(map[string]string)
	oldValues := make(map[string]string)
	for _, field := range fields {
		tpl := idp.AttributeMapping[field]
		if !a.dir.ValidField(field) {
			a.logger.Warnf("attribute mapping targets unknown user field %q, skipping", field)
			continue
		}
		value, err := Render(tpl, renderCtx)
		if err != nil {
			a.logger.WithError(err).Warnf("invalid attribute mapping template %q", tpl)
			continue
		}
		value = truncate(value, a.dir.FieldMaxLength(field))
		if old := user.FieldValue(field); old != value {
			changes[field] = value
			oldValues[field] = old
		}
	}
	if len(changes) == 0 {
		return
	}
	if err := a.dir.SetFields(ctx, user, changes); err != nil {
		a.logger.WithError(err).Errorf("failed to persist attribute changes for user %s", user.Username)
		return
	}
	for _, field := range fields {
		value, ok := changes[field]
		if !ok {
			continue
		}
		a.logger.Infof("set field %s of user %s to value %q (old value %q)",
			field, user.Username, value, oldValues[field])
		a.recordEvent(ctx, &audit.Event{
			EventType: audit.EventTypeFieldSet,
			UserID:    user.ID,
			Username:  user.Username,
			Field:     field,
			OldValue:  oldValues[field],
			NewValue:  value,
		})
		a.countMutation("field")
	}
}

// provisionSuperuser grants the staff/superuser flags when any configured
// claim carries an accepted value, first match wins over a stable order.
// A configured mapping with no match always revokes, whether the claim is
// absent or present with other values; an absent mapping touches nothing.
func (a *DefaultAdapter) provisionSuperuser(ctx context.Context, user *directory.User, idp *IdPSettings, bag AttributeBag) {
	if len(idp.SuperuserMapping) == 0 {
		return
	}
	attrs := make([]string, 0, len(idp.SuperuserMapping))
	for attr := range idp.SuperuserMapping {
		attrs = append(attrs, attr)
	}
	sort.Strings(attrs)

	matched := false
	for _, attr := range attrs {
		if !bag.Has(attr) {
			continue
		}
		if intersects(bag.Values(attr), idp.SuperuserMapping[attr]) {
			matched = true
			break
		}
	}

	if matched {
		if user.IsStaff && user.IsSuperuser {
			return
		}
		if err := a.dir.SetFlags(ctx, user, true, true); err != nil {
			a.logger.WithError(err).Errorf("failed to grant flags to user %s", user.Username)
			return
		}
		a.logger.Infof("flag is_staff and is_superuser added to user %s", user.Username)
		a.recordEvent(ctx, &audit.Event{
			EventType: audit.EventTypeFlagsGranted,
			UserID:    user.ID,
			Username:  user.Username,
			OldValue:  "false",
			NewValue:  "true",
		})
		a.countMutation("flags")
		return
	}

	if !user.IsStaff && !user.IsSuperuser {
		return
	}
	if err := a.dir.SetFlags(ctx, user, false, false); err != nil {
		a.logger.WithError(err).Errorf("failed to revoke flags of user %s", user.Username)
		return
	}
	a.logger.Infof("flag is_staff and is_superuser removed from user %s", user.Username)
	a.recordEvent(ctx, &audit.Event{
		EventType: audit.EventTypeFlagsRevoked,
		UserID:    user.ID,
		Username:  user.Username,
		OldValue:  "true",
		NewValue:  "false",
	})
	a.countMutation("flags")
}

// provisionGroups reconciles group membership to exactly the claimed set:
// the user joins every claimed group it is missing and leaves every held
// group no longer claimed. Runs only when the group attribute is present.
func (a *DefaultAdapter) provisionGroups(ctx context.Context, user *directory.User, idp *IdPSettings, bag AttributeBag) {
	if idp.GroupAttribute == "" || !bag.Has(idp.GroupAttribute) {
		return
	}

	names := uniqueSorted(bag.Values(idp.GroupAttribute))
	target := make(map[int64]*directory.Group)
	for _, name := range names {
		var group *directory.Group
		var err error
		if idp.CreateGroup {
			group, err = a.dir.GetOrCreateGroup(ctx, name)
		} else {
			group, err = a.dir.GetGroup(ctx, name)
			if errors.Is(err, directory.ErrNotFound) {
				continue
			}
		}
		if err != nil {
			a.logger.WithError(err).Errorf("failed to resolve group %q", name)
			continue
		}
		target[group.ID] = group
	}

	current, err := a.dir.GroupsOf(ctx, user)
	if err != nil {
		a.logger.WithError(err).Errorf("failed to list groups of user %s", user.Username)
		return
	}
	held := make(map[int64]*directory.Group, len(current))
	for _, group := range current {
		held[group.ID] = group
	}

	for id, group := range target {
		if _, ok := held[id]; ok {
			continue
		}
		if err := a.dir.AddToGroup(ctx, user, group); err != nil {
			a.logger.WithError(err).Errorf("failed to add user %s to group %q", user.Username, group.Name)
			continue
		}
		a.logger.Infof("adding group %s (%d) to user %s (%d)", group.Name, group.ID, user.Username, user.ID)
		a.recordEvent(ctx, &audit.Event{
			EventType: audit.EventTypeGroupAdded,
			UserID:    user.ID,
			Username:  user.Username,
			Group:     group.Name,
		})
		a.countMutation("group")
	}
	for id, group := range held {
		if _, ok := target[id]; ok {
			continue
		}
		if err := a.dir.RemoveFromGroup(ctx, user, group); err != nil {
			a.logger.WithError(err).Errorf("failed to remove user %s from group %q", user.Username, group.Name)
			continue
		}
		a.logger.Infof("removing group %s (%d) from user %s (%d)", group.Name, group.ID, user.Username, user.ID)
		a.recordEvent(ctx, &audit.Event{
			EventType: audit.EventTypeGroupRemoved,
			UserID:    user.ID,
			Username:  user.Username,
			Group:     group.Name,
		})
		a.countMutation("group")
	}
}

func (a *DefaultAdapter) countMutation(kind string) {
	if a.metrics != nil {
		a.metrics.ProvisionMutationsTotal.WithLabelValues(kind).Inc()
	}
}

func intersects(a, b []string) bool {
	set := make(map[string]struct{}, len(a))
	for _, v := range a {
		set[v] = struct{}{}
	}
	for _, v := range b {
		if _, ok := set[v]; ok {
			return true
		}
	}
	return false
}

func uniqueSorted(values []string) []string {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

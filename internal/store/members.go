package store

import (
	"context"
	"slices"
	"time"

	"golang.org/x/sync/singleflight"
)

// membershipReadTimeout bounds a shared membership read. It is detached from
// any single caller, so one caller going away does not fail the others.
const membershipReadTimeout = 10 * time.Second

// MembershipLoader coalesces concurrent GroupMembers reads for the same
// group, so a burst of reconnects restoring one group costs one store read.
type MembershipLoader struct {
	store Store
	group singleflight.Group
}

// NewMembershipLoader returns a loader reading through s.
func NewMembershipLoader(s Store) *MembershipLoader {
	return &MembershipLoader{store: s}
}

// GroupMembers returns groupID's persisted members. Each caller gets its own
// copy and stops waiting when its own ctx is done.
func (l *MembershipLoader) GroupMembers(ctx context.Context, groupID string) ([]string, error) {
	shared := context.WithoutCancel(ctx)
	ch := l.group.DoChan(groupID, func() (any, error) {
		readCtx, cancel := context.WithTimeout(shared, membershipReadTimeout)
		defer cancel()
		return l.store.GroupMembers(readCtx, groupID)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return slices.Clone(res.Val.([]string)), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

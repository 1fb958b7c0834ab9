// Package composite aggregates several devices behind one logical identity.
//
// A Group reads through to its primary member and broadcasts every mutation
// to the members that support it. A Room is a device of its own (scene,
// automation flag) that can switch all of its members off, optionally when
// presence has not been seen for a while.
//
// Members are owned by the registry; composites hold non-owning references.
package composite

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/nerrad567/hearth/internal/device"
)

// Forwarder is the set of operations a composite forwards to its members.
type Forwarder interface {
	On(ctx context.Context) error
	Off(ctx context.Context) error
	SetState(ctx context.Context, partial device.State) error
	SetSingleState(ctx context.Context, key string, value any) error
	Invoke(ctx context.Context, name string, args ...any) error
}

// Action names with dedicated Forwarder methods.
const (
	ActionOn  = "on"
	ActionOff = "off"
)

// members is an ordered member list with a capability table resolved once
// at construction: action name to the members that expose it.
type members struct {
	ownerID string
	list    []device.Entity
	caps    map[string][]device.Entity
	logger  device.Logger
}

func newMembers(ownerID string, list []device.Entity, logger device.Logger) *members {
	m := &members{
		ownerID: ownerID,
		list:    list,
		caps:    make(map[string][]device.Entity),
		logger:  logger,
	}
	for _, e := range list {
		for _, name := range e.ActionNames() {
			m.caps[name] = append(m.caps[name], e)
		}
	}
	return m
}

// supporting returns the members exposing name, in member order.
func (m *members) supporting(name string) []device.Entity {
	return m.caps[name]
}

func (m *members) has(name string) bool {
	return len(m.caps[name]) > 0
}

func (m *members) names() []string {
	out := make([]string, 0, len(m.caps))
	for name := range m.caps {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// fanOut calls fn concurrently on every member exposing name and waits for
// all of them. Members without the action are skipped; if none has it the
// result is ErrUnknownAction. Failures are collected as MemberErrors and
// joined; one failure never cancels its siblings.
func (m *members) fanOut(ctx context.Context, name string, fn func(context.Context, device.Entity) error) error {
	if strings.HasPrefix(name, device.PrivateActionPrefix) {
		return fmt.Errorf("%w: %q", device.ErrPrivateAction, name)
	}
	targets := m.supporting(name)
	if len(targets) == 0 {
		return fmt.Errorf("%w: %q on %s", device.ErrUnknownAction, name, m.ownerID)
	}

	m.logger.Debug("broadcasting to members",
		"composite_id", m.ownerID,
		"action", name,
		"members", len(targets),
	)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, e := range targets {
		wg.Add(1)
		go func(e device.Entity) {
			defer wg.Done()
			err := callMember(ctx, e, fn)
			if err == nil {
				return
			}
			mu.Lock()
			errs = append(errs, &MemberError{MemberID: e.ID(), Err: err})
			mu.Unlock()
		}(e)
	}
	wg.Wait()

	if len(errs) > 0 {
		m.logger.Warn("member action failed",
			"composite_id", m.ownerID,
			"action", name,
			"failed", len(errs),
			"members", len(targets),
		)
	}
	return errors.Join(errs...)
}

// callMember runs fn, turning a panic into an error.
func callMember(ctx context.Context, e device.Entity, fn func(context.Context, device.Entity) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx, e)
}

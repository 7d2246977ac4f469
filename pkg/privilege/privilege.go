// Package privilege switches the process to an unprivileged identity. The
// switch happens once, before the supervisor binds its listener.
package privilege

import (
	"os"
	"os/user"
	"strconv"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

var ErrPrivilege = errors.New("privilege drop failed")

// Error wraps any failure to resolve or assume the requested identity.
type Error struct {
	Spec string
	Err  error
}

func (e *Error) Error() string { return "run as " + strconv.Quote(e.Spec) + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }
func (e *Error) Is(target error) bool {
	return target == ErrPrivilege
}

type Identity struct {
	Name   string
	UID    int
	GID    int
	Groups []int
}

// Resolve turns a RUN_AS_USER value into an Identity. Accepted forms are a
// user name, a numeric uid, or uid:gid. Numeric ids need not exist in
// /etc/passwd, which is common in minimal images.
func Resolve(spec string) (Identity, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return Identity{}, &Error{Spec: spec, Err: errors.New("empty user")}
	}

	name, group, hasGroup := strings.Cut(spec, ":")
	var id Identity
	if uid, err := strconv.Atoi(name); err == nil {
		if uid < 0 {
			return Identity{}, &Error{Spec: spec, Err: errors.New("negative uid")}
		}
		id = Identity{Name: name, UID: uid, GID: uid}
		if u, err := user.LookupId(name); err == nil {
			id = fromUser(u, id)
		}
	} else {
		u, err := user.Lookup(name)
		if err != nil {
			return Identity{}, &Error{Spec: spec, Err: errors.Wrap(err, "lookup user")}
		}
		id = fromUser(u, Identity{Name: name})
	}

	if hasGroup {
		gid, err := lookupGroup(group)
		if err != nil {
			return Identity{}, &Error{Spec: spec, Err: err}
		}
		id.GID = gid
		id.Groups = nil
	}
	return id, nil
}

func fromUser(u *user.User, id Identity) Identity {
	if uid, err := strconv.Atoi(u.Uid); err == nil {
		id.UID = uid
	}
	if gid, err := strconv.Atoi(u.Gid); err == nil {
		id.GID = gid
	}
	id.Name = u.Username
	if gids, err := u.GroupIds(); err == nil {
		for _, g := range gids {
			if n, err := strconv.Atoi(g); err == nil && n != id.GID {
				id.Groups = append(id.Groups, n)
			}
		}
	}
	return id
}

func lookupGroup(group string) (int, error) {
	if gid, err := strconv.Atoi(group); err == nil {
		if gid < 0 {
			return 0, errors.New("negative gid")
		}
		return gid, nil
	}
	g, err := user.LookupGroup(group)
	if err != nil {
		return 0, errors.Wrap(err, "lookup group")
	}
	gid, err := strconv.Atoi(g.Gid)
	if err != nil {
		return 0, errors.Wrapf(err, "group %s has non-numeric gid", group)
	}
	return gid, nil
}

// Drop assumes id for the whole process: supplementary groups, then gid, then
// uid. It is irreversible once the uid changes. Dropping to the current
// identity is a no-op.
func Drop(id Identity) error {
	if os.Getuid() == id.UID && os.Getgid() == id.GID {
		log.Debug().Int("uid", id.UID).Int("gid", id.GID).Msg("already running as requested identity")
		return nil
	}
	spec := id.Name
	if spec == "" {
		spec = strconv.Itoa(id.UID)
	}
	groups := append([]int{id.GID}, id.Groups...)
	// syscall.Setgroups applies to every OS thread of the runtime; the x/sys
	// variant only changes the calling thread.
	if err := syscall.Setgroups(groups); err != nil {
		return &Error{Spec: spec, Err: errors.Wrap(err, "setgroups")}
	}
	if err := unix.Setgid(id.GID); err != nil {
		return &Error{Spec: spec, Err: errors.Wrap(err, "setgid")}
	}
	if err := unix.Setuid(id.UID); err != nil {
		return &Error{Spec: spec, Err: errors.Wrap(err, "setuid")}
	}
	// a process that can regain root has not dropped anything
	if id.UID != 0 && unix.Setuid(0) == nil {
		return &Error{Spec: spec, Err: errors.New("setuid(0) still succeeds after drop")}
	}
	log.Info().Str("user", spec).Int("uid", id.UID).Int("gid", id.GID).Msg("dropped privileges")
	return nil
}

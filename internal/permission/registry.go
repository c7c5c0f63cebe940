// Package permission implements the role registry stored inside the
// replicated document state. Because assignments ride the same update stream
// as document content, every replica agrees on who may do what.
package permission

import (
	"errors"
	"fmt"
	"time"

	"github.com/automerge/automerge-go"

	"github.com/coscribe/coscribe/internal/crdt"
)

// Role is a document access level.
type Role string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleOwner  Role = "owner"
)

// Level returns the rank used for hierarchy comparisons:
// owner(3) > editor(2) > viewer(1).
func (r Role) Level() int {
	switch r {
	case RoleOwner:
		return 3
	case RoleEditor:
		return 2
	case RoleViewer:
		return 1
	}
	return 0
}

// AtLeast reports whether the role grants at least the given level.
func (r Role) AtLeast(min Role) bool {
	return r.Level() >= min.Level()
}

// Permission is one user's access row.
type Permission struct {
	UserID    string
	UserName  string
	UserEmail string
	Role      Role
	GrantedBy string
	GrantedAt time.Time
}

var (
	// ErrNotOwner rejects permission mutations from non-owners.
	ErrNotOwner = errors.New("caller is not the document owner")
	// ErrOwnerProtected rejects removal or demotion of the owner row;
	// ownership can only move via TransferOwnership.
	ErrOwnerProtected = errors.New("owner permission cannot be removed, only transferred")
	// ErrNoPermissionRow rejects ownership transfer to a user with no
	// existing access.
	ErrNoPermissionRow = errors.New("user has no permission row")
	// ErrAlreadyBootstrapped rejects seeding an owner onto a document
	// that already has one.
	ErrAlreadyBootstrapped = errors.New("document already has an owner")
)

// Metadata field names inside the replicated document.
const (
	MetaOwnerID   = "ownerId"
	MetaCreatedBy = "createdBy"
	MetaCreatedAt = "createdAt"
)

// Get returns a user's permission row, or nil when none exists.
func Get(doc *crdt.Document, userID string) (*Permission, error) {
	var out *Permission
	err := doc.Read(func(d *automerge.Doc) error {
		p, err := readRow(d, userID)
		if err != nil {
			return err
		}
		out = p
		return nil
	})
	return out, err
}

// List returns every permission row on the document.
func List(doc *crdt.Document) ([]Permission, error) {
	var out []Permission
	err := doc.Read(func(d *automerge.Doc) error {
		v, err := d.Path(crdt.KeyPermissions).Get()
		if err != nil {
			return err
		}
		if v.IsVoid() {
			return nil
		}
		keys, err := v.Map().Keys()
		if err != nil {
			return err
		}
		for _, userID := range keys {
			p, err := readRow(d, userID)
			if err != nil {
				return err
			}
			if p != nil {
				out = append(out, *p)
			}
		}
		return nil
	})
	return out, err
}

// EffectiveRole resolves the role enforced for a user. Users without a row
// default to viewer: they may observe and merge remote updates but their own
// edits are rejected.
func EffectiveRole(doc *crdt.Document, userID string) Role {
	p, err := Get(doc, userID)
	if err != nil || p == nil {
		return RoleViewer
	}
	return p.Role
}

// CanEdit reports whether the user may produce document updates.
func CanEdit(doc *crdt.Document, userID string) bool {
	return EffectiveRole(doc, userID).AtLeast(RoleEditor)
}

// Bootstrap seeds the first owner row and the creation metadata. It fails on
// a document that already has an owner.
func Bootstrap(doc *crdt.Document, owner Permission) ([]byte, error) {
	if ownerID, err := doc.Meta(MetaOwnerID); err != nil {
		return nil, err
	} else if ownerID != "" {
		return nil, ErrAlreadyBootstrapped
	}

	now := time.Now()
	owner.Role = RoleOwner
	owner.GrantedBy = owner.UserID
	owner.GrantedAt = now

	return doc.Change(func(d *automerge.Doc) error {
		if err := writeRow(d, owner); err != nil {
			return err
		}
		if err := d.Path(crdt.KeyMeta, MetaOwnerID).Set(owner.UserID); err != nil {
			return err
		}
		if err := d.Path(crdt.KeyMeta, MetaCreatedBy).Set(owner.UserID); err != nil {
			return err
		}
		return d.Path(crdt.KeyMeta, MetaCreatedAt).Set(now.UnixMilli())
	})
}

// SetUserPermission upserts a viewer or editor row. Only the owner may call
// it, and it refuses to mint a second owner; ownership moves through
// TransferOwnership alone, which keeps the single-owner invariant local to
// one atomic update.
func SetUserPermission(doc *crdt.Document, callerID string, p Permission) ([]byte, error) {
	if EffectiveRole(doc, callerID) != RoleOwner {
		return nil, fmt.Errorf("set permission for %s: %w", p.UserID, ErrNotOwner)
	}
	if p.Role == RoleOwner {
		return nil, fmt.Errorf("set permission for %s: %w", p.UserID, ErrOwnerProtected)
	}
	ownerID, err := doc.Meta(MetaOwnerID)
	if err != nil {
		return nil, err
	}
	if p.UserID == ownerID {
		return nil, fmt.Errorf("set permission for %s: %w", p.UserID, ErrOwnerProtected)
	}

	p.GrantedBy = callerID
	p.GrantedAt = time.Now()

	return doc.Change(func(d *automerge.Doc) error {
		return writeRow(d, p)
	})
}

// RemoveUserPermission deletes a row. The owner's own row is protected.
func RemoveUserPermission(doc *crdt.Document, callerID, userID string) ([]byte, error) {
	if EffectiveRole(doc, callerID) != RoleOwner {
		return nil, fmt.Errorf("remove permission for %s: %w", userID, ErrNotOwner)
	}
	ownerID, err := doc.Meta(MetaOwnerID)
	if err != nil {
		return nil, err
	}
	if userID == ownerID {
		return nil, fmt.Errorf("remove permission for %s: %w", userID, ErrOwnerProtected)
	}

	return doc.Change(func(d *automerge.Doc) error {
		v, err := d.Path(crdt.KeyPermissions).Get()
		if err != nil {
			return err
		}
		if v.IsVoid() {
			return fmt.Errorf("remove permission for %s: %w", userID, ErrNoPermissionRow)
		}
		return v.Map().Delete(userID)
	})
}

// TransferOwnership promotes an existing grantee to owner and demotes the
// current owner to editor in a single update, so no replica ever observes
// two owners or none.
func TransferOwnership(doc *crdt.Document, callerID, newOwnerID string) ([]byte, error) {
	if EffectiveRole(doc, callerID) != RoleOwner {
		return nil, fmt.Errorf("transfer ownership to %s: %w", newOwnerID, ErrNotOwner)
	}
	target, err := Get(doc, newOwnerID)
	if err != nil {
		return nil, err
	}
	if target == nil {
		return nil, fmt.Errorf("transfer ownership to %s: %w", newOwnerID, ErrNoPermissionRow)
	}
	if newOwnerID == callerID {
		return nil, nil
	}

	now := time.Now()
	return doc.Change(func(d *automerge.Doc) error {
		if err := d.Path(crdt.KeyPermissions, newOwnerID, "role").Set(string(RoleOwner)); err != nil {
			return err
		}
		if err := d.Path(crdt.KeyPermissions, newOwnerID, "grantedBy").Set(callerID); err != nil {
			return err
		}
		if err := d.Path(crdt.KeyPermissions, newOwnerID, "grantedAt").Set(now.UnixMilli()); err != nil {
			return err
		}
		if err := d.Path(crdt.KeyPermissions, callerID, "role").Set(string(RoleEditor)); err != nil {
			return err
		}
		return d.Path(crdt.KeyMeta, MetaOwnerID).Set(newOwnerID)
	})
}

func writeRow(d *automerge.Doc, p Permission) error {
	if err := d.Path(crdt.KeyPermissions, p.UserID, "userId").Set(p.UserID); err != nil {
		return err
	}
	if err := d.Path(crdt.KeyPermissions, p.UserID, "userName").Set(p.UserName); err != nil {
		return err
	}
	if err := d.Path(crdt.KeyPermissions, p.UserID, "userEmail").Set(p.UserEmail); err != nil {
		return err
	}
	if err := d.Path(crdt.KeyPermissions, p.UserID, "role").Set(string(p.Role)); err != nil {
		return err
	}
	if err := d.Path(crdt.KeyPermissions, p.UserID, "grantedBy").Set(p.GrantedBy); err != nil {
		return err
	}
	return d.Path(crdt.KeyPermissions, p.UserID, "grantedAt").Set(p.GrantedAt.UnixMilli())
}

func readRow(d *automerge.Doc, userID string) (*Permission, error) {
	v, err := d.Path(crdt.KeyPermissions, userID).Get()
	if err != nil {
		return nil, err
	}
	if v.IsVoid() {
		return nil, nil
	}

	p := &Permission{UserID: userID}
	if p.UserName, err = readString(d, userID, "userName"); err != nil {
		return nil, err
	}
	if p.UserEmail, err = readString(d, userID, "userEmail"); err != nil {
		return nil, err
	}
	role, err := readString(d, userID, "role")
	if err != nil {
		return nil, err
	}
	p.Role = Role(role)
	if p.GrantedBy, err = readString(d, userID, "grantedBy"); err != nil {
		return nil, err
	}

	at, err := d.Path(crdt.KeyPermissions, userID, "grantedAt").Get()
	if err != nil {
		return nil, err
	}
	if !at.IsVoid() {
		ms, err := automerge.As[int64](at, err)
		if err != nil {
			return nil, err
		}
		p.GrantedAt = time.UnixMilli(ms)
	}
	return p, nil
}

func readString(d *automerge.Doc, userID, field string) (string, error) {
	v, err := d.Path(crdt.KeyPermissions, userID, field).Get()
	if err != nil {
		return "", err
	}
	if v.IsVoid() {
		return "", nil
	}
	return automerge.As[string](v, err)
}

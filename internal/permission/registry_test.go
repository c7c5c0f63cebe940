package permission

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coscribe/coscribe/internal/crdt"
)

func newOwnedDoc(t *testing.T) *crdt.Document {
	t.Helper()
	doc, err := crdt.New("test")
	require.NoError(t, err)
	_, err = Bootstrap(doc, Permission{UserID: "alice", UserName: "Alice"})
	require.NoError(t, err)
	return doc
}

func ownerCount(t *testing.T, doc *crdt.Document) int {
	t.Helper()
	rows, err := List(doc)
	require.NoError(t, err)
	n := 0
	for _, row := range rows {
		if row.Role == RoleOwner {
			n++
		}
	}
	return n
}

func TestBootstrap(t *testing.T) {
	doc := newOwnedDoc(t)

	owner, err := Get(doc, "alice")
	require.NoError(t, err)
	require.NotNil(t, owner)
	assert.Equal(t, RoleOwner, owner.Role)
	assert.Equal(t, "alice", owner.GrantedBy)

	ownerID, err := doc.Meta(MetaOwnerID)
	require.NoError(t, err)
	assert.Equal(t, "alice", ownerID)

	createdBy, err := doc.Meta(MetaCreatedBy)
	require.NoError(t, err)
	assert.Equal(t, "alice", createdBy)

	_, err = Bootstrap(doc, Permission{UserID: "mallory"})
	assert.ErrorIs(t, err, ErrAlreadyBootstrapped)
}

func TestSetUserPermission(t *testing.T) {
	doc := newOwnedDoc(t)

	update, err := SetUserPermission(doc, "alice", Permission{UserID: "bob", Role: RoleEditor})
	require.NoError(t, err)
	require.NotEmpty(t, update)

	bob, err := Get(doc, "bob")
	require.NoError(t, err)
	require.NotNil(t, bob)
	assert.Equal(t, RoleEditor, bob.Role)
	assert.Equal(t, "alice", bob.GrantedBy)
	assert.False(t, bob.GrantedAt.IsZero())
}

func TestSetUserPermission_RejectsNonOwner(t *testing.T) {
	doc := newOwnedDoc(t)
	_, err := SetUserPermission(doc, "alice", Permission{UserID: "bob", Role: RoleEditor})
	require.NoError(t, err)
	_, err = SetUserPermission(doc, "alice", Permission{UserID: "carol", Role: RoleViewer})
	require.NoError(t, err)

	// Neither an editor nor a viewer may touch permissions.
	for _, caller := range []string{"bob", "carol", "stranger"} {
		_, err := SetUserPermission(doc, caller, Permission{UserID: "dave", Role: RoleViewer})
		assert.ErrorIs(t, err, ErrNotOwner, "caller %s", caller)
	}
}

func TestSetUserPermission_CannotMintSecondOwner(t *testing.T) {
	doc := newOwnedDoc(t)

	_, err := SetUserPermission(doc, "alice", Permission{UserID: "bob", Role: RoleOwner})
	assert.ErrorIs(t, err, ErrOwnerProtected)
	assert.Equal(t, 1, ownerCount(t, doc))
}

func TestRemoveUserPermission(t *testing.T) {
	doc := newOwnedDoc(t)
	_, err := SetUserPermission(doc, "alice", Permission{UserID: "bob", Role: RoleEditor})
	require.NoError(t, err)

	update, err := RemoveUserPermission(doc, "alice", "bob")
	require.NoError(t, err)
	require.NotEmpty(t, update)

	bob, err := Get(doc, "bob")
	require.NoError(t, err)
	assert.Nil(t, bob)
}

func TestRemoveUserPermission_OwnerProtected(t *testing.T) {
	doc := newOwnedDoc(t)

	_, err := RemoveUserPermission(doc, "alice", "alice")
	assert.ErrorIs(t, err, ErrOwnerProtected)

	owner, err := Get(doc, "alice")
	require.NoError(t, err)
	require.NotNil(t, owner)
	assert.Equal(t, RoleOwner, owner.Role)
}

func TestTransferOwnership(t *testing.T) {
	doc := newOwnedDoc(t)
	_, err := SetUserPermission(doc, "alice", Permission{UserID: "bob", Role: RoleViewer})
	require.NoError(t, err)

	update, err := TransferOwnership(doc, "alice", "bob")
	require.NoError(t, err)
	require.NotEmpty(t, update)

	bob, err := Get(doc, "bob")
	require.NoError(t, err)
	assert.Equal(t, RoleOwner, bob.Role)

	alice, err := Get(doc, "alice")
	require.NoError(t, err)
	assert.Equal(t, RoleEditor, alice.Role)

	ownerID, err := doc.Meta(MetaOwnerID)
	require.NoError(t, err)
	assert.Equal(t, "bob", ownerID)
	assert.Equal(t, 1, ownerCount(t, doc))

	// Scenario: the new owner cannot be removed by the old one.
	_, err = RemoveUserPermission(doc, "alice", "bob")
	assert.ErrorIs(t, err, ErrNotOwner)
	// And not even by themselves.
	_, err = RemoveUserPermission(doc, "bob", "bob")
	assert.ErrorIs(t, err, ErrOwnerProtected)
}

func TestTransferOwnership_RequiresExistingRow(t *testing.T) {
	doc := newOwnedDoc(t)

	_, err := TransferOwnership(doc, "alice", "nobody")
	assert.ErrorIs(t, err, ErrNoPermissionRow)
	assert.Equal(t, 1, ownerCount(t, doc))
}

func TestTransferOwnership_RejectsNonOwner(t *testing.T) {
	doc := newOwnedDoc(t)
	_, err := SetUserPermission(doc, "alice", Permission{UserID: "bob", Role: RoleEditor})
	require.NoError(t, err)

	_, err = TransferOwnership(doc, "bob", "bob")
	assert.ErrorIs(t, err, ErrNotOwner)
}

func TestSingleOwnerInvariant_AfterMixedSequence(t *testing.T) {
	doc := newOwnedDoc(t)

	_, err := SetUserPermission(doc, "alice", Permission{UserID: "bob", Role: RoleEditor})
	require.NoError(t, err)
	_, err = SetUserPermission(doc, "alice", Permission{UserID: "carol", Role: RoleViewer})
	require.NoError(t, err)
	_, err = TransferOwnership(doc, "alice", "bob")
	require.NoError(t, err)
	_, err = SetUserPermission(doc, "bob", Permission{UserID: "alice", Role: RoleViewer})
	require.NoError(t, err)
	_, err = TransferOwnership(doc, "bob", "carol")
	require.NoError(t, err)
	_, err = RemoveUserPermission(doc, "carol", "alice")
	require.NoError(t, err)

	assert.Equal(t, 1, ownerCount(t, doc))
	assert.Equal(t, RoleOwner, EffectiveRole(doc, "carol"))
}

func TestEffectiveRole_DefaultsToViewer(t *testing.T) {
	doc := newOwnedDoc(t)

	assert.Equal(t, RoleViewer, EffectiveRole(doc, "anon-12345"))
	assert.False(t, CanEdit(doc, "anon-12345"))
	assert.True(t, CanEdit(doc, "alice"))
}

func TestPermissionsReplicate(t *testing.T) {
	doc := newOwnedDoc(t)
	update, err := SetUserPermission(doc, "alice", Permission{UserID: "bob", Role: RoleEditor})
	require.NoError(t, err)

	replica, err := crdt.Load(doc.EncodeSnapshot(), "replica")
	require.NoError(t, err)
	// Re-applying the covering update is harmless.
	require.NoError(t, replica.ApplyRemote(update))

	bob, err := Get(replica, "bob")
	require.NoError(t, err)
	require.NotNil(t, bob)
	assert.Equal(t, RoleEditor, bob.Role)
	assert.True(t, CanEdit(replica, "bob"))
}

/*
Package identity defines the user database model shared by every idsync backend.

# Entries

An Entry is a single user or group record from either side of a
synchronization. Entries are identified in three ways:

  - Key: the human-readable canonical name (a login or common name)
  - UUID: the permanent identifier assigned by the owning database
  - SyncId: the identifier derived from a source UUID and stored
    alongside each synchronized destination entry

Attribute values are always carried as []string. A single-valued
attribute holds at most one value and the empty slice is its absence
value.

# Databases

A Source produces a stream of Events via Watch. A Destination offers
lookup by SyncId or key, creation, deletion, persistent State and
transaction boundaries via Commit and Rollback.

# Events

The Event sum type is closed: EntryEvent, UnchangedSyncIds,
DeletedSyncIds, RefreshComplete and SyncCookie are its only members.
*/
package identity

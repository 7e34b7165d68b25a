// Package geyser describes the callback surface a validator host drives.
//
// The host loads a plugin, calls OnLoad with the path of its configuration
// file, then invokes the notification callbacks from its own threads, possibly
// concurrently. Only OnLoad errors are meaningful to the host: a non-nil error
// aborts validator startup. The notification callbacks return rejection errors
// (backpressure, invalid input, not running) that the host is free to ignore.
package geyser

// SlotStatus is the status the host reports for a slot.
type SlotStatus uint8

const (
	SlotStatusProcessed SlotStatus = iota + 1
	SlotStatusConfirmed
	SlotStatusRooted
	SlotStatusDead
)

// Plugin is implemented by the PostgreSQL ingestion plugin.
type Plugin interface {
	Name() string

	OnLoad(configPath string) error
	OnUnload()

	UpdateAccount(account ReplicaAccountInfo, slot uint64, isStartup bool) error
	NotifyEndOfStartup() error
	UpdateSlotStatus(slot uint64, parent *uint64, status SlotStatus) error
	NotifyTransaction(tx ReplicaTransactionInfo, slot uint64) error
	NotifyBlockMetadata(block ReplicaBlockInfo) error

	AccountDataNotificationsEnabled() bool
	TransactionNotificationsEnabled() bool
}

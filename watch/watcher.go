// Package watch pushes chat list changes to subscribed JSON-RPC connections.
package watch

// Watcher defines the common lifecycle interface for all watchers.
type Watcher interface {
	Start() error
	Stop()
}

var (
	_ Watcher = (*ChatListWatcher)(nil)
	_ Watcher = (*DirWatcher)(nil)
)

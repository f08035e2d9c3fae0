// Package storage provides small persistent state stores for orchestrator
// components. Each stateful component owns exactly one store; the file-backed
// implementation keeps one JSON document per store path.
package storage

// Store persists a single component's state as one document.
// Load reports whether a document existed; absence is not an error so that
// components can start from defaults on first run.
type Store interface {
	Load(v interface{}) (bool, error)
	Save(v interface{}) error
	Reset() error
}

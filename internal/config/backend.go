package config

// ConfigBackend abstracts config storage so the loader and the `config`
// CLI subcommands can be tested against an in-memory implementation.
// The production backend is a JSON file in an XDG-compatible path.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	Delete(key string) error
}

package testutils

import "github.com/blockadesystems/certfoundry/internal/config"

// MapSettings is a map-backed settings source for tests.
type MapSettings struct {
	Bools   map[string]bool
	Strings map[string]string
	Domains []config.DomainRecord
}

var _ config.Settings = (*MapSettings)(nil)

func (s *MapSettings) GetBool(key string) bool     { return s.Bools[key] }
func (s *MapSettings) GetString(key string) string { return s.Strings[key] }

func (s *MapSettings) DomainRecords() []config.DomainRecord { return s.Domains }

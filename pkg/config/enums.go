package config

// StoreBackend selects the event store implementation.
type StoreBackend string

const (
	StoreMemory   StoreBackend = "memory"
	StoreLevelDB  StoreBackend = "leveldb"
	StorePostgres StoreBackend = "postgres"
)

// IsValid checks if the backend is a known value.
func (b StoreBackend) IsValid() bool {
	switch b {
	case StoreMemory, StoreLevelDB, StorePostgres:
		return true
	}
	return false
}

// OverflowPolicy decides what happens when a subscriber queue fills.
type OverflowPolicy string

const (
	OverflowDropOldest OverflowPolicy = "drop_oldest"
	OverflowDisconnect OverflowPolicy = "disconnect"
)

// IsValid checks if the policy is a known value.
func (p OverflowPolicy) IsValid() bool {
	switch p {
	case OverflowDropOldest, OverflowDisconnect:
		return true
	}
	return false
}

// TransportType names a provider transport implementation.
type TransportType string

const (
	TransportAnthropic TransportType = "anthropic"
	TransportOpenAI    TransportType = "openai"
	TransportStub      TransportType = "stub"
)

// IsValid checks if the transport type is a known value.
func (t TransportType) IsValid() bool {
	switch t {
	case TransportAnthropic, TransportOpenAI, TransportStub:
		return true
	}
	return false
}

package types

import (
	"time"
)

// Protocol identifies one managed VPN endpoint family. Each installed
// protocol instance owns its own inbound document, cache directory and
// user namespace.
type Protocol string

const (
	ProtocolVLESS       Protocol = "vless"
	ProtocolShadowsocks Protocol = "shadowsocks"
	ProtocolWireGuard   Protocol = "wireguard"
	ProtocolProxy       Protocol = "proxy"
)

// Valid reports whether p is a protocol this engine manages.
func (p Protocol) Valid() bool {
	switch p {
	case ProtocolVLESS, ProtocolShadowsocks, ProtocolWireGuard, ProtocolProxy:
		return true
	}
	return false
}

// SecurityMode is the transport security of an inbound.
type SecurityMode string

const (
	SecurityNone    SecurityMode = "none"
	SecurityReality SecurityMode = "reality"
)

// ClientEntry is one authorized identity inside an InboundConfig.
// The wire field for the display name is "email" (xray convention).
// Name is unique within one document; ID is unique within one document
// but carries no global uniqueness guarantee.
type ClientEntry struct {
	ID   string
	Flow string
	Name string

	extra rawFields
}

// RealityParams is the server-side Reality key block. PrivateKey never
// leaves the server document; clients receive the derived public key.
type RealityParams struct {
	PrivateKey  string
	ShortIDs    []string
	ServerNames []string
	Fingerprint string

	extra rawFields
}

// SNI returns the first configured server name, or "" when none is set.
func (r *RealityParams) SNI() string {
	if r == nil || len(r.ServerNames) == 0 {
		return ""
	}
	return r.ServerNames[0]
}

// FirstShortID returns the first short ID, or "" when none is set.
func (r *RealityParams) FirstShortID() string {
	if r == nil || len(r.ShortIDs) == 0 {
		return ""
	}
	return r.ShortIDs[0]
}

// InboundSettings is the protocol settings block of an inbound.
type InboundSettings struct {
	Clients    []*ClientEntry
	Decryption string

	extra rawFields
}

// StreamSettings is the transport block of an inbound.
type StreamSettings struct {
	Network  string
	Security SecurityMode
	Reality  *RealityParams

	extra rawFields
}

// InboundConfig describes one protocol instance's listener and clients.
// It is the authoritative state; every cache file and user record is a
// projection of it.
type InboundConfig struct {
	Port     int
	Protocol Protocol
	Settings InboundSettings
	Stream   StreamSettings

	extra rawFields
}

// InboundDocument is the on-disk top-level document ({"inbounds":[...]}).
type InboundDocument struct {
	Inbounds []*InboundConfig

	extra rawFields
}

// Primary returns the first inbound, which is the instance this engine
// manages. Documents produced by the engine always have exactly one.
func (d *InboundDocument) Primary() *InboundConfig {
	if d == nil || len(d.Inbounds) == 0 {
		return nil
	}
	return d.Inbounds[0]
}

// FindClient returns the client entry with the given display name.
func (c *InboundConfig) FindClient(name string) *ClientEntry {
	for _, cl := range c.Settings.Clients {
		if cl.Name == name {
			return cl
		}
	}
	return nil
}

// RealityEnabled reports whether the inbound uses Reality security.
func (c *InboundConfig) RealityEnabled() bool {
	return c.Stream.Security == SecurityReality
}

// UserRecord is the derived per-user credential projection: one per
// (protocol, name). On any disagreement with the ClientEntry it mirrors,
// the ClientEntry wins.
type UserRecord struct {
	Name       string    `json:"name"`
	UUID       string    `json:"uuid"`
	Port       int       `json:"port"`
	Server     string    `json:"server"`
	SNI        string    `json:"sni"`
	PrivateKey string    `json:"private_key"`
	PublicKey  string    `json:"public_key"`
	ShortID    string    `json:"short_id,omitempty"`
	Protocol   Protocol  `json:"protocol"`
	Flow       string    `json:"flow,omitempty"`
	CreatedAt  time.Time `json:"created_at,omitempty"`

	// URI is the generated connection link, regenerated on every write.
	URI string `json:"uri,omitempty"`
}

// PortLease is a candidate port plus its availability verdict at
// allocation time. It is not persisted beyond the port cache file.
type PortLease struct {
	Port      int
	Free      bool
	CheckedAt time.Time
}

// HealthProbeResult is the outcome of one combined health probe.
type HealthProbeResult struct {
	Timestamp    time.Time
	Reachable    bool // configured port accepts connections
	ProcessReady bool // process logged its started marker
	Message      string
}

// Healthy reports whether both readiness signals were observed.
func (r HealthProbeResult) Healthy() bool {
	return r.Reachable && r.ProcessReady
}

package configstore

import (
	"fmt"

	"github.com/ikeniborn/vpn-sub000/pkg/types"
)

// AddClient appends a client entry to the inbound. The display name must
// be unique within the document.
func AddClient(cfg *types.InboundConfig, name, id, flow string) error {
	if name == "" {
		return fmt.Errorf("%w: empty client name", types.ErrConfigCorrupt)
	}
	if cfg.FindClient(name) != nil {
		return fmt.Errorf("%w: client %q", types.ErrDuplicateName, name)
	}
	cfg.Settings.Clients = append(cfg.Settings.Clients, &types.ClientEntry{
		ID:   id,
		Flow: flow,
		Name: name,
	})
	return nil
}

// RemoveClient deletes the client entry with the given name.
func RemoveClient(cfg *types.InboundConfig, name string) error {
	for i, cl := range cfg.Settings.Clients {
		if cl.Name == name {
			cfg.Settings.Clients = append(cfg.Settings.Clients[:i], cfg.Settings.Clients[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: client %q", types.ErrNotFound, name)
}

// RenameClient renames a client entry and assigns it a fresh identifier.
// Re-keying on rename invalidates the old share URI deliberately: the old
// name's credentials stop working.
func RenameClient(cfg *types.InboundConfig, oldName, newName, newID string) error {
	if oldName != newName && cfg.FindClient(newName) != nil {
		return fmt.Errorf("%w: client %q", types.ErrDuplicateName, newName)
	}
	cl := cfg.FindClient(oldName)
	if cl == nil {
		return fmt.Errorf("%w: client %q", types.ErrNotFound, oldName)
	}
	cl.Name = newName
	if newID != "" {
		cl.ID = newID
	}
	return nil
}

// SetReality replaces the inbound's Reality block and switches the stream
// security mode accordingly.
func SetReality(cfg *types.InboundConfig, params *types.RealityParams) {
	cfg.Stream.Reality = params
	if params != nil {
		cfg.Stream.Security = types.SecurityReality
	} else {
		cfg.Stream.Security = types.SecurityNone
	}
}

// SetPort updates the listening port.
func SetPort(cfg *types.InboundConfig, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%w: port %d out of range", types.ErrConfigCorrupt, port)
	}
	cfg.Port = port
	return nil
}

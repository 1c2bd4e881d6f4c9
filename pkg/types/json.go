package types

import (
	"encoding/json"
)

// rawFields holds JSON object members the engine does not model. They are
// captured on unmarshal and emitted unchanged on marshal so that a document
// written by another tool round-trips without losing fields.
type rawFields map[string]json.RawMessage

func popField(raw map[string]json.RawMessage, key string, dst interface{}) error {
	v, ok := raw[key]
	if !ok {
		return nil
	}
	delete(raw, key)
	return json.Unmarshal(v, dst)
}

func putField(out map[string]json.RawMessage, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	out[key] = data
	return nil
}

func cloneRaw(extra rawFields) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(extra)+4)
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func (c *ClientEntry) UnmarshalJSON(data []byte) error {
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if err := popField(raw, "id", &c.ID); err != nil {
		return err
	}
	if err := popField(raw, "flow", &c.Flow); err != nil {
		return err
	}
	if err := popField(raw, "email", &c.Name); err != nil {
		return err
	}
	c.extra = raw
	return nil
}

func (c *ClientEntry) MarshalJSON() ([]byte, error) {
	out := cloneRaw(c.extra)
	if err := putField(out, "id", c.ID); err != nil {
		return nil, err
	}
	if c.Flow != "" {
		if err := putField(out, "flow", c.Flow); err != nil {
			return nil, err
		}
	}
	if err := putField(out, "email", c.Name); err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

func (r *RealityParams) UnmarshalJSON(data []byte) error {
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if err := popField(raw, "privateKey", &r.PrivateKey); err != nil {
		return err
	}
	if err := popField(raw, "shortIds", &r.ShortIDs); err != nil {
		return err
	}
	if err := popField(raw, "serverNames", &r.ServerNames); err != nil {
		return err
	}
	if err := popField(raw, "fingerprint", &r.Fingerprint); err != nil {
		return err
	}
	r.extra = raw
	return nil
}

func (r *RealityParams) MarshalJSON() ([]byte, error) {
	out := cloneRaw(r.extra)
	if err := putField(out, "privateKey", r.PrivateKey); err != nil {
		return nil, err
	}
	if err := putField(out, "shortIds", r.ShortIDs); err != nil {
		return nil, err
	}
	if err := putField(out, "serverNames", r.ServerNames); err != nil {
		return nil, err
	}
	if r.Fingerprint != "" {
		if err := putField(out, "fingerprint", r.Fingerprint); err != nil {
			return nil, err
		}
	}
	return json.Marshal(out)
}

func (s *InboundSettings) UnmarshalJSON(data []byte) error {
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if err := popField(raw, "clients", &s.Clients); err != nil {
		return err
	}
	if err := popField(raw, "decryption", &s.Decryption); err != nil {
		return err
	}
	s.extra = raw
	return nil
}

func (s *InboundSettings) MarshalJSON() ([]byte, error) {
	out := cloneRaw(s.extra)
	clients := s.Clients
	if clients == nil {
		clients = []*ClientEntry{}
	}
	if err := putField(out, "clients", clients); err != nil {
		return nil, err
	}
	if s.Decryption != "" {
		if err := putField(out, "decryption", s.Decryption); err != nil {
			return nil, err
		}
	}
	return json.Marshal(out)
}

func (s *StreamSettings) UnmarshalJSON(data []byte) error {
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if err := popField(raw, "network", &s.Network); err != nil {
		return err
	}
	if err := popField(raw, "security", &s.Security); err != nil {
		return err
	}
	if err := popField(raw, "realitySettings", &s.Reality); err != nil {
		return err
	}
	s.extra = raw
	return nil
}

func (s *StreamSettings) MarshalJSON() ([]byte, error) {
	out := cloneRaw(s.extra)
	if err := putField(out, "network", s.Network); err != nil {
		return nil, err
	}
	if err := putField(out, "security", s.Security); err != nil {
		return nil, err
	}
	if s.Reality != nil {
		if err := putField(out, "realitySettings", s.Reality); err != nil {
			return nil, err
		}
	}
	return json.Marshal(out)
}

func (c *InboundConfig) UnmarshalJSON(data []byte) error {
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if err := popField(raw, "port", &c.Port); err != nil {
		return err
	}
	if err := popField(raw, "protocol", &c.Protocol); err != nil {
		return err
	}
	if err := popField(raw, "settings", &c.Settings); err != nil {
		return err
	}
	if err := popField(raw, "streamSettings", &c.Stream); err != nil {
		return err
	}
	c.extra = raw
	return nil
}

func (c *InboundConfig) MarshalJSON() ([]byte, error) {
	out := cloneRaw(c.extra)
	if err := putField(out, "port", c.Port); err != nil {
		return nil, err
	}
	if err := putField(out, "protocol", c.Protocol); err != nil {
		return nil, err
	}
	if err := putField(out, "settings", &c.Settings); err != nil {
		return nil, err
	}
	if err := putField(out, "streamSettings", &c.Stream); err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

func (d *InboundDocument) UnmarshalJSON(data []byte) error {
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if err := popField(raw, "inbounds", &d.Inbounds); err != nil {
		return err
	}
	d.extra = raw
	return nil
}

func (d *InboundDocument) MarshalJSON() ([]byte, error) {
	out := cloneRaw(d.extra)
	inbounds := d.Inbounds
	if inbounds == nil {
		inbounds = []*InboundConfig{}
	}
	if err := putField(out, "inbounds", inbounds); err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

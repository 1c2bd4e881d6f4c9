package sharelink

import (
	"encoding/base64"
	"fmt"

	"github.com/ikeniborn/vpn-sub000/pkg/types"
)

// DefaultFlow is the flow tag issued to Reality clients when the client
// entry does not override it.
const DefaultFlow = "xtls-rprx-vision"

// Build returns the connection artifact for a user record. For vless and
// shadowsocks this is a share URI; for wireguard it is a client .conf
// rendering; for plain proxies a proxy URL.
//
// The vless grammars are a client-compatibility contract and must stay
// byte-exact. The other renderings follow common client conventions but
// are not contractual.
func Build(rec *types.UserRecord) (string, error) {
	switch rec.Protocol {
	case types.ProtocolVLESS:
		return BuildVLESS(rec), nil
	case types.ProtocolShadowsocks:
		return BuildShadowsocks(rec), nil
	case types.ProtocolWireGuard:
		return RenderWireGuardConf(rec), nil
	case types.ProtocolProxy:
		return BuildProxy(rec), nil
	default:
		return "", fmt.Errorf("no link grammar for protocol %q", rec.Protocol)
	}
}

// BuildVLESS renders the vless share URI. With Reality enabled (public key
// present) the full Reality parameter set is emitted; otherwise the plain
// security=none form. The display name is emitted verbatim in the fragment:
// clients treat it as an opaque label and percent-encoding it would change
// the bytes existing clients already store.
func BuildVLESS(rec *types.UserRecord) string {
	if rec.PublicKey != "" {
		flow := rec.Flow
		if flow == "" {
			flow = DefaultFlow
		}
		return fmt.Sprintf(
			"vless://%s@%s:%d?encryption=none&flow=%s&security=reality&sni=%s&fp=chrome&pbk=%s&sid=%s&type=tcp&headerType=none#%s",
			rec.UUID, rec.Server, rec.Port, flow, rec.SNI, rec.PublicKey, rec.ShortID, rec.Name,
		)
	}
	return fmt.Sprintf(
		"vless://%s@%s:%d?encryption=none&security=none&type=tcp#%s",
		rec.UUID, rec.Server, rec.Port, rec.Name,
	)
}

// ShadowsocksMethod is the AEAD cipher provisioned for Shadowsocks users.
const ShadowsocksMethod = "chacha20-ietf-poly1305"

// BuildShadowsocks renders a SIP002 ss:// URI. The UUID field of the record
// carries the password for password-authenticated protocols.
func BuildShadowsocks(rec *types.UserRecord) string {
	userinfo := base64.RawURLEncoding.EncodeToString(
		[]byte(ShadowsocksMethod + ":" + rec.UUID))
	return fmt.Sprintf("ss://%s@%s:%d#%s", userinfo, rec.Server, rec.Port, rec.Name)
}

// RenderWireGuardConf renders a client-side wg-quick configuration. The
// record's private key is the client key; the public key is the server's.
func RenderWireGuardConf(rec *types.UserRecord) string {
	return fmt.Sprintf(`[Interface]
PrivateKey = %s
Address = 10.8.0.2/24
DNS = 1.1.1.1

[Peer]
PublicKey = %s
Endpoint = %s:%d
AllowedIPs = 0.0.0.0/0
PersistentKeepalive = 25
`, rec.PrivateKey, rec.PublicKey, rec.Server, rec.Port)
}

// BuildProxy renders an authenticated HTTP proxy URL.
func BuildProxy(rec *types.UserRecord) string {
	return fmt.Sprintf("http://%s:%s@%s:%d", rec.Name, rec.UUID, rec.Server, rec.Port)
}

package engine

import (
	"context"
	"fmt"

	"github.com/ikeniborn/vpn-sub000/pkg/audit"
	"github.com/ikeniborn/vpn-sub000/pkg/configstore"
	"github.com/ikeniborn/vpn-sub000/pkg/keygen"
	"github.com/ikeniborn/vpn-sub000/pkg/log"
	"github.com/ikeniborn/vpn-sub000/pkg/metrics"
	"github.com/ikeniborn/vpn-sub000/pkg/sharelink"
	"github.com/ikeniborn/vpn-sub000/pkg/types"
)

// userAdd authorizes a new client in the inbound document, materializes
// its credential record, and restarts the endpoint to apply it.
func (e *Engine) userAdd(ctx context.Context, req *Request) (*Response, error) {
	if req.UserName == "" {
		return nil, fmt.Errorf("user name required")
	}
	if err := e.precheckCaches(); err != nil {
		return nil, err
	}

	docPath := configstore.DocumentPath(e.sctx.InstanceDir)
	doc, err := configstore.Load(docPath)
	if err != nil {
		return nil, err
	}
	cfg := doc.Primary()

	credential, flow, err := e.newCredential(cfg)
	if err != nil {
		return nil, err
	}
	if err := configstore.AddClient(cfg, req.UserName, credential, flow); err != nil {
		return nil, err
	}
	if err := configstore.Save(doc, docPath); err != nil {
		return nil, err
	}

	rec, err := e.reg.Create(e.recordFor(cfg, req.UserName, credential, flow))
	if err != nil {
		// The document committed but the record did not; back the client
		// entry out so the two stay coherent.
		if rmErr := configstore.RemoveClient(cfg, req.UserName); rmErr == nil {
			_ = configstore.Save(doc, docPath)
		}
		return nil, err
	}

	if err := e.cm.Restart(ctx, e.sctx.InstanceDir); err != nil {
		return &Response{User: rec}, err
	}
	probe, err := e.waitHealthy(ctx)
	if err != nil {
		return &Response{User: rec, Probe: probe}, err
	}

	e.recordUserCount()
	logger := log.WithUser(req.UserName)
	logger.Info().Str("protocol", string(e.sctx.Protocol)).Msg("user added")
	return &Response{User: rec, Probe: probe}, nil
}

// userDelete removes a client from the document and its record, then
// restarts the endpoint so the revocation takes effect.
func (e *Engine) userDelete(ctx context.Context, req *Request) (*Response, error) {
	if err := e.precheckCaches(); err != nil {
		return nil, err
	}

	docPath := configstore.DocumentPath(e.sctx.InstanceDir)
	doc, err := configstore.Load(docPath)
	if err != nil {
		return nil, err
	}
	if err := configstore.RemoveClient(doc.Primary(), req.UserName); err != nil {
		return nil, err
	}
	if err := configstore.Save(doc, docPath); err != nil {
		return nil, err
	}

	if err := e.reg.Delete(e.sctx.Protocol, req.UserName); err != nil {
		return nil, err
	}

	if err := e.cm.Restart(ctx, e.sctx.InstanceDir); err != nil {
		return nil, err
	}
	probe, err := e.waitHealthy(ctx)
	if err != nil {
		return &Response{Probe: probe}, err
	}

	e.recordUserCount()
	logger := log.WithUser(req.UserName)
	logger.Info().Msg("user deleted")
	return &Response{Probe: probe, Message: fmt.Sprintf("deleted %s", req.UserName)}, nil
}

// userRename renames a client and issues it a fresh credential: the old
// share link stops working, which is the point of a rename.
func (e *Engine) userRename(ctx context.Context, req *Request) (*Response, error) {
	if req.NewName == "" {
		return nil, fmt.Errorf("new name required")
	}
	if err := e.precheckCaches(); err != nil {
		return nil, err
	}

	docPath := configstore.DocumentPath(e.sctx.InstanceDir)
	doc, err := configstore.Load(docPath)
	if err != nil {
		return nil, err
	}
	cfg := doc.Primary()

	credential, _, err := e.newCredential(cfg)
	if err != nil {
		return nil, err
	}
	if err := configstore.RenameClient(cfg, req.UserName, req.NewName, credential); err != nil {
		return nil, err
	}
	if err := configstore.Save(doc, docPath); err != nil {
		return nil, err
	}

	old, err := e.reg.Read(e.sctx.Protocol, req.UserName)
	if err != nil {
		return nil, err
	}
	if err := e.reg.Delete(e.sctx.Protocol, req.UserName); err != nil {
		return nil, err
	}
	renamed := *old
	renamed.Name = req.NewName
	renamed.UUID = credential
	renamed.URI = ""
	if e.sctx.Protocol == types.ProtocolWireGuard {
		renamed.PrivateKey = credential
	}
	rec, err := e.reg.Create(&renamed)
	if err != nil {
		return nil, err
	}

	if err := e.cm.Restart(ctx, e.sctx.InstanceDir); err != nil {
		return &Response{User: rec}, err
	}
	probe, err := e.waitHealthy(ctx)
	if err != nil {
		return &Response{User: rec, Probe: probe}, err
	}

	logger := log.WithUser(req.NewName)
	logger.Info().Str("previous", req.UserName).Msg("user renamed")
	return &Response{User: rec, Probe: probe}, nil
}

func (e *Engine) userList(ctx context.Context, req *Request) (*Response, error) {
	users, err := e.reg.List(e.sctx.Protocol)
	if err != nil {
		return nil, err
	}
	metrics.UsersTotal.WithLabelValues(string(e.sctx.Protocol)).Set(float64(len(users)))
	return &Response{Users: users}, nil
}

func (e *Engine) userShow(ctx context.Context, req *Request) (*Response, error) {
	rec, err := e.reg.Read(e.sctx.Protocol, req.UserName)
	if err != nil {
		return nil, err
	}
	return &Response{User: rec}, nil
}

// rotateKeys delegates to the rotation coordinator and mirrors the
// outcome into metrics.
func (e *Engine) rotateKeys(ctx context.Context, req *Request) (*Response, error) {
	rep, err := e.rotator.Rotate(ctx, e.sctx.InstanceDir)
	outcome := "success"
	if err != nil {
		outcome = "error"
		if rep != nil && len(rep.FailedUsers) > 0 {
			outcome = "partial"
		}
	}
	metrics.RotationsTotal.WithLabelValues(outcome).Inc()
	return &Response{Rotation: rep}, err
}

// precheckCaches repairs stale scalar caches before a mutating operation
// reads anything derived from them.
func (e *Engine) precheckCaches() error {
	doc, err := configstore.Load(configstore.DocumentPath(e.sctx.InstanceDir))
	if err != nil {
		return err
	}
	stale, err := audit.CacheAudit(doc.Primary(), e.sctx.CacheDir)
	if err != nil {
		return err
	}
	if len(stale) == 0 {
		return nil
	}
	logger := log.WithComponent("engine")
	logger.Warn().Int("files", len(stale)).
		Msg("stale scalar caches detected, rebuilding")
	return configstore.RebuildCaches(doc.Primary(), e.sctx.CacheDir)
}

// newCredential generates the protocol-appropriate client secret: UUIDs
// for vless, keypairs for wireguard, passwords for the rest.
func (e *Engine) newCredential(cfg *types.InboundConfig) (credential, flow string, err error) {
	switch cfg.Protocol {
	case types.ProtocolVLESS:
		id, err := e.gen.GenerateUserID()
		if err != nil {
			return "", "", err
		}
		if cfg.RealityEnabled() {
			return id, sharelink.DefaultFlow, nil
		}
		return id, "", nil
	case types.ProtocolWireGuard:
		priv, _, err := e.gen.GenerateKeypair()
		if err != nil {
			return "", "", err
		}
		return priv, "", nil
	default:
		password, err := e.gen.GeneratePassword(0)
		if err != nil {
			return "", "", err
		}
		return password, "", nil
	}
}

// recordFor projects a fresh client entry into a UserRecord.
func (e *Engine) recordFor(cfg *types.InboundConfig, name, credential, flow string) *types.UserRecord {
	rec := &types.UserRecord{
		Name:     name,
		UUID:     credential,
		Port:     cfg.Port,
		Server:   e.sctx.Host,
		Protocol: cfg.Protocol,
		Flow:     flow,
	}
	if cfg.RealityEnabled() {
		r := cfg.Stream.Reality
		rec.SNI = r.SNI()
		rec.ShortID = r.FirstShortID()
		if pub, err := keygen.PublicFromPrivate(r.PrivateKey); err == nil {
			rec.PublicKey = pub
		} else {
			logger := log.WithComponent("engine")
			logger.Error().Err(err).
				Msg("cannot derive public key, record will carry invalid placeholder")
			rec.PublicKey = audit.PlaceholderInvalidKey
		}
	}
	if cfg.Protocol == types.ProtocolWireGuard {
		rec.PrivateKey = credential
	}
	return rec
}

func (e *Engine) recordUserCount() {
	if users, err := e.reg.List(e.sctx.Protocol); err == nil {
		metrics.UsersTotal.WithLabelValues(string(e.sctx.Protocol)).Set(float64(len(users)))
	}
}

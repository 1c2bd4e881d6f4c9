package configstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ikeniborn/vpn-sub000/pkg/keygen"
	"github.com/ikeniborn/vpn-sub000/pkg/types"
)

// Flat cache file names. One value per file, newline-terminated. These
// exist so status and diagnostics consumers never parse the full JSON
// document; they are rebuilt from it whenever missing or stale.
const (
	CacheProtocol   = "protocol.txt"
	CacheUseReality = "use_reality.txt"
	CachePort       = "port.txt"
	CacheSNI        = "sni.txt"
	CachePrivateKey = "private_key.txt"
	CachePublicKey  = "public_key.txt"
	CacheShortID    = "short_id.txt"
)

// CacheFiles lists every scalar cache the engine maintains.
var CacheFiles = []string{
	CacheProtocol,
	CacheUseReality,
	CachePort,
	CacheSNI,
	CachePrivateKey,
	CachePublicKey,
	CacheShortID,
}

// RebuildCaches writes every scalar cache file from the inbound config.
// Idempotent: rebuilding an already-coherent cache directory is a no-op
// apart from the writes themselves.
func RebuildCaches(cfg *types.InboundConfig, cacheDir string) error {
	if err := os.MkdirAll(cacheDir, 0700); err != nil {
		return fmt.Errorf("creating cache dir: %w", err)
	}

	values, err := CacheValues(cfg)
	if err != nil {
		return err
	}
	for name, value := range values {
		if err := writeCache(cacheDir, name, value); err != nil {
			return err
		}
	}
	return nil
}

// CacheValues computes the expected value of every scalar cache for cfg.
func CacheValues(cfg *types.InboundConfig) (map[string]string, error) {
	values := map[string]string{
		CacheProtocol:   string(cfg.Protocol),
		CacheUseReality: strconv.FormatBool(cfg.RealityEnabled()),
		CachePort:       strconv.Itoa(cfg.Port),
		CacheSNI:        "",
		CachePrivateKey: "",
		CachePublicKey:  "",
		CacheShortID:    "",
	}
	if cfg.RealityEnabled() {
		r := cfg.Stream.Reality
		pub, err := keygen.PublicFromPrivate(r.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("deriving public key cache: %w", err)
		}
		values[CacheSNI] = r.SNI()
		values[CachePrivateKey] = r.PrivateKey
		values[CachePublicKey] = pub
		values[CacheShortID] = r.FirstShortID()
	}
	return values, nil
}

// ReadCache returns the value stored in one scalar cache file with the
// trailing newline stripped.
func ReadCache(cacheDir, name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(cacheDir, name))
	if err != nil {
		return "", fmt.Errorf("reading cache %s: %w", name, err)
	}
	return strings.TrimRight(string(data), "\n"), nil
}

// ReadCachedPort reads and parses the port cache.
func ReadCachedPort(cacheDir string) (int, error) {
	v, err := ReadCache(cacheDir, CachePort)
	if err != nil {
		return 0, err
	}
	port, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: port cache holds %q", types.ErrConfigCorrupt, v)
	}
	return port, nil
}

func writeCache(cacheDir, name, value string) error {
	path := filepath.Join(cacheDir, name)
	if err := os.WriteFile(path, []byte(value+"\n"), 0600); err != nil {
		return fmt.Errorf("writing cache %s: %w", name, err)
	}
	return nil
}

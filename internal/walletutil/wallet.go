// Package walletutil implements the minimal keystore the test-fixture
// tooling (cmd/unspentdb export and friends) uses to mint throwaway
// addresses and sign fixture data. It is deliberately narrow: unlike the
// original wallet it is grounded on, it tracks no UTXO set and no wallet
// items, only the private keys themselves.
package walletutil

import (
	"crypto/sha256"
	"os"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/pkg/errors"
	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // required for hash160, not a checksum use

	"github.com/flowee-go/hubindex/internal/bchaddr"
	"github.com/flowee-go/hubindex/internal/bufpool"
	"github.com/flowee-go/hubindex/internal/cmf"
	"github.com/flowee-go/hubindex/internal/wire"
)

// Tag values for the mywallet CMF stream, grounded on
// original_source/txVulcano/Wallet.cpp's WalletPrivateKeys::WalletTokens
// (PrivateKey, End); the original's other tokens (pubkey cache, wallet
// items, last-cached-block) aren't persisted here, see DESIGN.md.
const (
	Tag_PrivateKey = 1
	Tag_End        = 2
)

// maxWalletFileSize guards against loading a corrupt or unrelated file,
// mirroring the original's own 1e6-byte sanity check.
const maxWalletFileSize = 1_000_000

// Key is one keypair held by a Wallet, addressable by its position in
// Keys() the same way the original indexes m_keys by an incrementing int.
type Key struct {
	ID      int
	Private *secp256k1.PrivateKey
}

// PubKeyHash160 returns ripemd160(sha256(pubkey)), the value CashAddr and
// legacy addresses both encode.
func (k Key) PubKeyHash160() wire.Hash160 {
	return hash160(k.Private.PubKey().SerializeCompressed())
}

// Address renders the key's address in CashAddr form under hrp.
func (k Key) Address(hrp string) string {
	return bchaddr.EncodeCashAddr(hrp, bchaddr.PubKeyHash, k.PubKeyHash160())
}

// Wallet is an in-memory keystore backed by a single CMF file on disk. It
// is not safe for concurrent use, matching the original which is only ever
// driven from a single CLI command at a time.
type Wallet struct {
	path      string
	keys      []Key
	needsSave bool
}

// Open loads path if it exists and returns an empty Wallet otherwise,
// mirroring Wallet::Wallet/loadKeys: a missing file is not an error, it
// just means there are no keys yet.
func Open(path string) (*Wallet, error) {
	w := &Wallet{path: path}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return w, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading wallet file %s", path)
	}
	if len(raw) > maxWalletFileSize {
		return nil, errors.Errorf("wallet file %s is too large, refusing to load", path)
	}
	if err := w.decode(raw); err != nil {
		return nil, errors.Wrapf(err, "parsing wallet file %s", path)
	}
	return w, nil
}

func (w *Wallet) decode(raw []byte) error {
	parser := cmf.NewParserBytes(raw)
	for {
		switch parser.Next() {
		case cmf.EndOfDocument:
			return nil
		case cmf.ParseError:
			return errors.New("malformed wallet stream")
		case cmf.FoundTag:
			switch parser.Tag() {
			case Tag_PrivateKey:
				priv := secp256k1.PrivKeyFromBytes(parser.Bytes())
				w.keys = append(w.keys, Key{ID: len(w.keys), Private: priv})
			case Tag_End:
				return nil
			}
		}
	}
}

// AddKey appends a freshly generated key and marks the wallet dirty.
func (w *Wallet) AddKey() (Key, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return Key{}, errors.Wrap(err, "generating private key")
	}
	k := Key{ID: len(w.keys), Private: priv}
	w.keys = append(w.keys, k)
	w.needsSave = true
	return k, nil
}

// ImportKey adds an existing 32-byte private key, for fixtures that need a
// stable, reproducible address across runs.
func (w *Wallet) ImportKey(raw []byte) (Key, error) {
	if len(raw) != 32 {
		return Key{}, errors.New("private key must be 32 bytes")
	}
	priv := secp256k1.PrivKeyFromBytes(raw)
	k := Key{ID: len(w.keys), Private: priv}
	w.keys = append(w.keys, k)
	w.needsSave = true
	return k, nil
}

// Keys returns every key currently held, in insertion order.
func (w *Wallet) Keys() []Key {
	return append([]Key(nil), w.keys...)
}

// KeyCount mirrors Wallet::keyCount.
func (w *Wallet) KeyCount() int {
	return len(w.keys)
}

// Save writes the keystore to disk if it has unsaved changes, matching
// Wallet::saveKeys' m_privKeysNeedsSave guard.
func (w *Wallet) Save() error {
	if !w.needsSave {
		return nil
	}
	pool := bufpool.New(len(w.keys)*40 + 8)
	builder := cmf.NewBuilder(pool)
	for _, k := range w.keys {
		builder.AddBytes(Tag_PrivateKey, k.Private.Serialize())
	}
	builder.AddBool(Tag_End, true)
	buf := builder.Commit()
	if err := os.WriteFile(w.path, buf.Bytes(), 0o600); err != nil {
		return errors.Wrapf(err, "writing wallet file %s", w.path)
	}
	w.needsSave = false
	return nil
}

func hash160(pubKey []byte) wire.Hash160 {
	sha := sha256.Sum256(pubKey)
	ripe := ripemd160.New()
	ripe.Write(sha[:])
	var h wire.Hash160
	copy(h[:], ripe.Sum(nil))
	return h
}
